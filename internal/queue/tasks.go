package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeStatusQuery  = "mpesa:status_query"
	TypeSweepPending = "mpesa:sweep_pending"
)

// StatusQueryPayload identifies the checkout to query
type StatusQueryPayload struct {
	CheckoutRequestID string `json:"checkout_request_id"`
}

// StatusQueryTaskID derives a stable task id so a checkout has at most one
// outstanding status query.
func StatusQueryTaskID(checkoutRequestID string) string {
	return "status-query:" + checkoutRequestID
}

// NewStatusQueryTask creates a status query task
func NewStatusQueryTask(checkoutRequestID string) (*asynq.Task, error) {
	if checkoutRequestID == "" {
		return nil, fmt.Errorf("checkout request id is required")
	}
	payload, err := json.Marshal(StatusQueryPayload{CheckoutRequestID: checkoutRequestID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status query payload: %w", err)
	}
	return asynq.NewTask(TypeStatusQuery, payload), nil
}

// ParseStatusQueryPayload decodes a status query task payload
func ParseStatusQueryPayload(t *asynq.Task) (StatusQueryPayload, error) {
	var p StatusQueryPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal status query payload: %w", err)
	}
	if p.CheckoutRequestID == "" {
		return p, fmt.Errorf("status query payload missing checkout_request_id")
	}
	return p, nil
}

// NewSweepPendingTask creates the periodic pending sweep task
func NewSweepPendingTask() *asynq.Task {
	return asynq.NewTask(TypeSweepPending, nil)
}
