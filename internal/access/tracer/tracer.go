// Package tracer provides a lightweight tracing abstraction for the access
// engine hot path. The engine emits spans without depending directly on
// OpenTelemetry APIs; NoopTracer serves tests, OTelTracer serves production.
package tracer

import "context"

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred.
	// End must be called exactly once, typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Span names used by the access engine.
const (
	SpanCheck      = "access.check"
	SpanBlockCheck = "access.block_check"
)

// Attribute keys used by the access engine.
// Values are identifiers and classifications only, never protected content.
const (
	AttrPermissionKey = "permission_key"
	AttrRole          = "role"
	AttrOutcome       = "outcome"
	AttrDenyReason    = "deny_reason"
)
