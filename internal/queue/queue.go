package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"

	maxRetryDelay = 5 * time.Minute
)

// ErrAlreadyQueued is returned by EnqueueStatusQuery when a live task
// already covers the checkout.
var ErrAlreadyQueued = errors.New("status query already queued")

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskInspector looks up and removes tasks that still hold a task id.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Options controls how status queries are scheduled
type Options struct {
	StatusQueryDelay    time.Duration
	StatusQueryMaxRetry int
}

// Queue wraps the Asynq client used to schedule background work
type Queue struct {
	client    enqueuer
	inspector taskInspector
	redisOpt asynq.RedisConnOpt
	opts     Options
	logger   *slog.Logger
}

// NewQueue creates a queue client connected to redisURL
func NewQueue(redisURL string, opts Options, logger *slog.Logger) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	logger.Info("queue client initialized",
		"status_query_delay", opts.StatusQueryDelay.String(),
		"status_query_max_retry", opts.StatusQueryMaxRetry,
	)

	return &Queue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redisOpt:  redisOpt,
		opts:      opts,
		logger:    logger,
	}, nil
}

// ScheduleStatusQuery enqueues a status query to run after the configured delay.
// Scheduling the same checkout twice while a task is outstanding is a no-op.
func (q *Queue) ScheduleStatusQuery(ctx context.Context, checkoutRequestID string) error {
	err := q.enqueueStatusQuery(ctx, checkoutRequestID, q.opts.StatusQueryDelay)
	if errors.Is(err, ErrAlreadyQueued) {
		return nil
	}
	return err
}

// EnqueueStatusQuery enqueues a status query for immediate processing. A
// finished task left under the checkout's task id is replaced; a live one
// yields ErrAlreadyQueued.
func (q *Queue) EnqueueStatusQuery(ctx context.Context, checkoutRequestID string) error {
	return q.enqueueStatusQuery(ctx, checkoutRequestID, 0)
}

func (q *Queue) enqueueStatusQuery(ctx context.Context, checkoutRequestID string, delay time.Duration) error {
	task, err := NewStatusQueryTask(checkoutRequestID)
	if err != nil {
		return err
	}

	taskID := StatusQueryTaskID(checkoutRequestID)
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(q.opts.StatusQueryMaxRetry),
		asynq.TaskID(taskID),
		asynq.Timeout(time.Minute),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		var released bool
		if released, err = q.releaseFinished(ctx, taskID); err != nil {
			return err
		}
		if !released {
			q.logger.DebugContext(ctx, "status query already scheduled", "checkout_request_id", checkoutRequestID)
			return ErrAlreadyQueued
		}
		info, err = q.client.EnqueueContext(ctx, task, opts...)
	}
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrAlreadyQueued
		}
		return fmt.Errorf("failed to enqueue status query: %w", err)
	}

	q.logger.InfoContext(ctx, "status query scheduled",
		"task_id", info.ID,
		"checkout_request_id", checkoutRequestID,
		"process_at", info.NextProcessAt,
	)
	return nil
}

// releaseFinished deletes an archived or completed task so its id can be
// reused. It reports false when the task is still pending, scheduled,
// active or waiting for a retry.
func (q *Queue) releaseFinished(ctx context.Context, taskID string) (bool, error) {
	if q.inspector == nil {
		return false, nil
	}

	info, err := q.inspector.GetTaskInfo(QueueDefault, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			// Removed between the conflict and the lookup.
			return true, nil
		}
		return false, fmt.Errorf("failed to inspect task %s: %w", taskID, err)
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}

	if err := q.inspector.DeleteTask(QueueDefault, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("failed to delete finished task %s: %w", taskID, err)
	}

	q.logger.InfoContext(ctx, "finished status query released for requeue",
		"task_id", taskID,
		"previous_state", info.State.String(),
		"last_error", info.LastErr,
	)
	return true, nil
}

// ServerConfig returns the worker server configuration
func (q *Queue) ServerConfig(concurrency int) asynq.Config {
	return asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
		RetryDelayFunc: q.retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			q.logger.WarnContext(ctx, "task failed",
				"type", task.Type(),
				"retry", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
		Logger: NewLogger(q.logger),
	}
}

// retryDelay backs off linearly from the status query delay, capped at maxRetryDelay.
func (q *Queue) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	base := q.opts.StatusQueryDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	d := base * time.Duration(n+1)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// RedisOpt returns the Redis connection used by this queue
func (q *Queue) RedisOpt() asynq.RedisConnOpt {
	return q.redisOpt
}

// NewScheduler returns an Asynq scheduler that enqueues the pending sweep every interval.
func (q *Queue) NewScheduler(interval time.Duration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(q.redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   NewLogger(q.logger),
	})

	entryID, err := scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		NewSweepPendingTask(),
		asynq.Queue(QueueLow),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register sweep task: %w", err)
	}

	q.logger.Info("pending sweep registered", "entry_id", entryID, "interval", interval.String())
	return scheduler, nil
}

// Close gracefully closes the queue client
func (q *Queue) Close() error {
	if q.inspector != nil {
		if err := q.inspector.Close(); err != nil {
			q.logger.Warn("failed to close queue inspector", "error", err)
		}
	}
	if q.client != nil {
		q.logger.Info("closing queue client")
		return q.client.Close()
	}
	return nil
}
