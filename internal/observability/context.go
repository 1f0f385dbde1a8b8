// Package observability provides operation tracking, structured
// logging and tracing plumbing for mcptap.
package observability

import (
	"context"

	"github.com/google/uuid"
)

type opIDKey struct{}

// WithOpID stores a fresh operation ID in the context. Each CLI
// invocation calls this once at startup so every log event and span of
// that run can be correlated.
func WithOpID(ctx context.Context) context.Context {
	return context.WithValue(ctx, opIDKey{}, uuid.NewString())
}

// OpID retrieves the operation ID, or "" when none was set.
func OpID(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey{}).(string); ok {
		return id
	}
	return ""
}
