package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type handleKey struct{}

// Handle wraps tracer and shutdown
type Handle struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// WithHandle stores the OTel Handle in context.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// From retrieves the OTel Handle from context.
// Returns nil if OTel is not enabled.
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// Span starts a span when tracing is enabled, and is a no-op otherwise.
// The returned end function is always safe to call.
func Span(ctx context.Context, name string) (context.Context, func()) {
	h := From(ctx)
	if h == nil {
		return ctx, func() {}
	}
	ctx, span := h.Tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
