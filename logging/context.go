package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewCorrelationID returns a short id that ties together every log line of
// one transfer attempt, including its retries.
func NewCorrelationID() string {
	return uuid.NewString()[:8]
}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id,
// otherwise a child context with a new one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// CorrelationID returns the id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithContext returns base annotated with the correlation id of ctx, if any.
func WithContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	id := CorrelationID(ctx)
	if id == "" {
		return base
	}
	return base.With().Str("correlation_id", id).Logger()
}
