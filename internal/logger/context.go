package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

var traceIDKey = contextKey{}

// WithTraceID returns a new context carrying the task trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID extracts the trace id from the context, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
