package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type clientIDKey struct{}
type requestKeyKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithClientID attaches the id of the message-channel client that issued a
// request.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestKey attaches the normalized cache key of an intercepted request.
func WithRequestKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, requestKeyKey{}, key)
}

func RequestKey(ctx context.Context) string {
	if v, ok := ctx.Value(requestKeyKey{}).(string); ok {
		return v
	}
	return ""
}
