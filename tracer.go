package substrate

import "context"

// SpanAttr is one key-value attribute on a span.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr builds an int attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Tracer hands out spans for loop cycles and role sessions. A nil Tracer
// disables tracing entirely; callers nil-check before Start. The observer
// package carries the OTEL-backed implementation.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation. End must be called exactly once.
type Span interface {
	// SetAttr attaches attributes after creation, typically outcome fields.
	SetAttr(attrs ...SpanAttr)
	// Error records err and marks the span failed.
	Error(err error)
	End()
}
