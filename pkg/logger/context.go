package logger

import (
	"context"
	"log/slog"
)

// Request-scoped logging: middleware attaches a logger carrying the trace
// id, and downstream code pulls it back out instead of threading a
// *slog.Logger through every signature.

type contextKey struct{}

// With derives a context whose logger carries the extra fields.
func With(ctx context.Context, fields ...any) context.Context {
	return context.WithValue(ctx, contextKey{}, From(ctx).With(fields...))
}

// From returns the context's logger, falling back to the process default
// when none was attached.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
