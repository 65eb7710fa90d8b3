package handlers

import (
	"context"

	"github.com/google/uuid"
)

// Context keys for request-scoped values
type contextKey string

const (
	queryIDKey contextKey = "odatamap_query_id"
)

// WithQueryID attaches the correlation id of a query to the context.
func WithQueryID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queryIDKey, id)
}

// QueryIDFromContext returns the correlation id stored by WithQueryID.
func QueryIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(queryIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// EnsureQueryID returns the correlation id of ctx, generating one when absent.
func EnsureQueryID(ctx context.Context) (context.Context, string) {
	if id, ok := QueryIDFromContext(ctx); ok {
		return ctx, id
	}
	id := uuid.NewString()
	return WithQueryID(ctx, id), id
}
