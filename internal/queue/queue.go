package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of background work
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the task payload into v
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", t.Type, err))
	}
	return nil
}

// Options are the resolved settings of one Enqueue call
type Options struct {
	DedupKey string
}

// EnqueueOption configures a single Enqueue call
type EnqueueOption func(*Options)

// WithDedupKey drops repeated enqueues of the same key inside the broker's duplicate window
func WithDedupKey(key string) EnqueueOption {
	return func(o *Options) {
		o.DedupKey = key
	}
}

// ApplyOptions resolves opts
func ApplyOptions(opts ...EnqueueOption) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Enqueuer submits tasks for at-least-once execution
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) error
}

// HandlerFunc executes one task
type HandlerFunc func(ctx context.Context, task *Task) error

// Mux routes tasks to handlers by type
type Mux struct {
	handlers map[string]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for taskType, replacing any earlier registration
func (m *Mux) Handle(taskType string, h HandlerFunc) {
	m.handlers[taskType] = h
}

// Dispatch runs the handler registered for task.Type. Unknown types fail permanently.
func (m *Mux) Dispatch(ctx context.Context, task *Task) error {
	h, ok := m.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for task type %q", task.Type))
	}
	return h(ctx, task)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff returns the redelivery delay before attempt+1: base * 2^(attempt-1)
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<(attempt-1))
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeTerm
)

// decide maps a handler result and delivery attempt onto the broker acknowledgement
func decide(err error, attempt, maxAttempts int) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case IsPermanent(err), attempt >= maxAttempts:
		return outcomeTerm
	default:
		return outcomeRetry
	}
}
