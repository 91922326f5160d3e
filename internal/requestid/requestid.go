// Package requestid provides request ID propagation via context.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header carrying the request ID.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
// An inbound ID is reused when present.
func New(ctx context.Context, inbound string) (context.Context, string) {
	id := inbound
	if id == "" {
		id = uuid.New().String()
	}
	return WithRequestID(ctx, id), id
}

// Logger returns logger tagged with the request ID carried by ctx, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
