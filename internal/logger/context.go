package logger

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	taskIDKey
	userIDKey
)

// contextFields are copied from the context onto every record, in order.
var contextFields = []struct {
	key  contextKey
	attr string
}{
	{requestIDKey, "request_id"},
	{userIDKey, "user_id"},
	{taskIDKey, "task_id"},
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id on ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithTaskID marks ctx as working on one task.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// WithUserID records the caller for log records only; authorization reads
// the identity from the middleware package.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}
