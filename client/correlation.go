package client

import (
	"context"

	"pkt.systems/editlock/internal/correlation"
)

type correlationContextKey struct{}

// WithCorrelationID annotates ctx with a correlation identifier sent with
// subsequent requests. Invalid identifiers leave ctx unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := correlation.Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext extracts the identifier carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}
