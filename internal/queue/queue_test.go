package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
	// errs is consumed one per call before err applies.
	errs []error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", NextProcessAt: time.Now()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeInspector struct {
	info      *asynq.TaskInfo
	infoErr   error
	deleteErr error
	deleted   []string
}

func (f *fakeInspector) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := *f.info
	info.ID = id
	return &info, nil
}

func (f *fakeInspector) DeleteTask(_, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeInspector) Close() error { return nil }

func newTestQueue(e enqueuer) *Queue {
	return &Queue{
		client:    e,
		inspector: &fakeInspector{info: &asynq.TaskInfo{State: asynq.TaskStateScheduled}},
		opts:      Options{StatusQueryDelay: time.Minute, StatusQueryMaxRetry: 5},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func optionValues(opts []asynq.Option) map[asynq.OptionType]any {
	out := make(map[asynq.OptionType]any, len(opts))
	for _, o := range opts {
		out[o.Type()] = o.Value()
	}
	return out
}

func TestScheduleStatusQuery(t *testing.T) {
	e := &fakeEnqueuer{}
	q := newTestQueue(e)

	require.NoError(t, q.ScheduleStatusQuery(context.Background(), "ws_CO_1"))
	require.Len(t, e.tasks, 1)

	assert.Equal(t, TypeStatusQuery, e.tasks[0].Type())
	payload, err := ParseStatusQueryPayload(e.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", payload.CheckoutRequestID)

	opts := optionValues(e.opts[0])
	assert.Equal(t, "status-query:ws_CO_1", opts[asynq.TaskIDOpt])
	assert.Equal(t, 5, opts[asynq.MaxRetryOpt])
	assert.Equal(t, time.Minute, opts[asynq.ProcessInOpt])
	assert.Equal(t, QueueDefault, opts[asynq.QueueOpt])
}

func TestEnqueueStatusQuery_NoDelay(t *testing.T) {
	e := &fakeEnqueuer{}
	q := newTestQueue(e)

	require.NoError(t, q.EnqueueStatusQuery(context.Background(), "ws_CO_1"))

	_, delayed := optionValues(e.opts[0])[asynq.ProcessInOpt]
	assert.False(t, delayed)
}

func TestScheduleStatusQuery_ConflictIsNoOp(t *testing.T) {
	q := newTestQueue(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	assert.NoError(t, q.ScheduleStatusQuery(context.Background(), "ws_CO_1"))
}

func TestEnqueueStatusQuery_LiveTaskIsReported(t *testing.T) {
	for _, state := range []asynq.TaskState{asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateActive, asynq.TaskStateRetry} {
		t.Run(state.String(), func(t *testing.T) {
			e := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
			ins := &fakeInspector{info: &asynq.TaskInfo{State: state}}
			q := newTestQueue(e)
			q.inspector = ins

			err := q.EnqueueStatusQuery(context.Background(), "ws_CO_1")

			assert.ErrorIs(t, err, ErrAlreadyQueued)
			assert.Empty(t, ins.deleted)
			assert.Empty(t, e.tasks)
		})
	}
}

func TestEnqueueStatusQuery_ReplacesFinishedTask(t *testing.T) {
	for _, state := range []asynq.TaskState{asynq.TaskStateArchived, asynq.TaskStateCompleted} {
		t.Run(state.String(), func(t *testing.T) {
			e := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict, nil}}
			ins := &fakeInspector{info: &asynq.TaskInfo{State: state, LastErr: "transaction still pending at provider"}}
			q := newTestQueue(e)
			q.inspector = ins

			require.NoError(t, q.EnqueueStatusQuery(context.Background(), "ws_CO_1"))

			assert.Equal(t, []string{"status-query:ws_CO_1"}, ins.deleted)
			require.Len(t, e.tasks, 1)
			assert.Equal(t, "status-query:ws_CO_1", optionValues(e.opts[0])[asynq.TaskIDOpt])
		})
	}
}

func TestEnqueueStatusQuery_TaskGoneBeforeLookup(t *testing.T) {
	e := &fakeEnqueuer{errs: []error{asynq.ErrTaskIDConflict, nil}}
	q := newTestQueue(e)
	q.inspector = &fakeInspector{infoErr: asynq.ErrTaskNotFound}

	require.NoError(t, q.EnqueueStatusQuery(context.Background(), "ws_CO_1"))
	assert.Len(t, e.tasks, 1)
}

func TestEnqueueStatusQuery_InspectFailure(t *testing.T) {
	q := newTestQueue(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	q.inspector = &fakeInspector{infoErr: errors.New("redis: i/o timeout")}

	err := q.EnqueueStatusQuery(context.Background(), "ws_CO_1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyQueued)
}

func TestScheduleStatusQuery_Errors(t *testing.T) {
	q := newTestQueue(&fakeEnqueuer{err: errors.New("redis: connection refused")})
	assert.Error(t, q.ScheduleStatusQuery(context.Background(), "ws_CO_1"))

	assert.Error(t, newTestQueue(&fakeEnqueuer{}).ScheduleStatusQuery(context.Background(), ""))
}

func TestParseStatusQueryPayload_Invalid(t *testing.T) {
	_, err := ParseStatusQueryPayload(asynq.NewTask(TypeStatusQuery, []byte(`{}`)))
	assert.Error(t, err)

	_, err = ParseStatusQueryPayload(asynq.NewTask(TypeStatusQuery, []byte(`nope`)))
	assert.Error(t, err)
}

func TestRetryDelay(t *testing.T) {
	q := newTestQueue(&fakeEnqueuer{})

	assert.Equal(t, time.Minute, q.retryDelay(0, nil, nil))
	assert.Equal(t, 3*time.Minute, q.retryDelay(2, nil, nil))
	assert.Equal(t, maxRetryDelay, q.retryDelay(20, nil, nil))
}

func TestServerConfig(t *testing.T) {
	cfg := newTestQueue(&fakeEnqueuer{}).ServerConfig(8)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 3, cfg.Queues[QueueDefault])
	assert.NotNil(t, cfg.RetryDelayFunc)
	assert.NotNil(t, cfg.Logger)
}
