// Package workflow executes declarative task graphs over named in-process
// queues: single tasks, chains (sequential, result feeding forward), and
// groups joined by a barrier that releases a continuation task. Delivery is
// at-least-once from the caller's perspective; task handlers are expected to
// be idempotent.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is one named unit of work routed to a queue. Payload is the JSON
// argument handed to the registered handler.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Retry   *RetryPolicy    `json:"retry,omitempty"`
}

// NewTask creates a Task with a fresh id, marshaling payload to JSON.
// A marshal failure is a programming error and panics.
func NewTask(name, queue string, payload any) Task {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("workflow: unmarshalable payload for task " + name)
		}
		raw = b
	}
	return Task{ID: uuid.New().String(), Name: name, Queue: queue, Payload: raw}
}

// WithRetry attaches a retry policy to the task.
func (t Task) WithRetry(p RetryPolicy) Task {
	t.Retry = &p
	return t
}

// RetryPolicy bounds per-task retries. Backoff is exponential (powers of
// two) from InitialBackoff, capped at MaxBackoff. Only transient errors are
// retried; the predicate is fixed by the worker loop.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy matches the backoff used across the scraping pipeline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// message is the queue envelope: the task itself plus its position in a
// larger graph, if any.
type message struct {
	Task         Task   `json:"task"`
	Chain        []Task `json:"chain,omitempty"` // remaining tasks after this one
	BarrierID    string `json:"barrier_id,omitempty"`
	BarrierIndex int    `json:"barrier_index,omitempty"`
}
