// Package messagequeue defines the durable queue that carries tasks from the
// API to the workers.
package messagequeue

import "context"

// SubjectTaskExecute carries TaskExecutePayload messages. A worker receiving
// one drives the task from its persisted status as far as it can go.
const SubjectTaskExecute = "tasks.execute"

// Reasons a task is put on the execute subject.
const (
	ReasonConfirmed = "confirmed" // payment confirmed, start from pending
	ReasonClarified = "clarified" // clarification answered, continue with planning
	ReasonRecovered = "recovered" // re-enqueued by the stale task sweep
)

// TaskExecutePayload is the body of a tasks.execute message.
type TaskExecutePayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Handler processes one message. ctx carries the publisher's request ID.
// Returning an error asks for redelivery after a backoff; a message that
// keeps failing is moved to <subject>.dlq.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is an at-least-once queue. Handlers must tolerate duplicates; the
// orchestrator does so with a per-task lease and versioned commits.
type Queue interface {
	// Publish validates data against the subject's schema and sends it.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe runs handler for each message on subject until the returned
	// cancel function is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain stops taking new messages and waits for running handlers.
	Drain() error

	// Close drops the connection without waiting.
	Close() error

	IsConnected() bool
}
