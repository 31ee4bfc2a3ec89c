// Package correlation generates and threads a correlation identifier
// through the OAuth flow and every forwarded call.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderName is the header used to carry the correlation id on inbound
// requests, forwarded calls, and responses.
const HeaderName = "X-Correlation-Id"

type contextKey struct{}

// FromRequest returns the correlation id for an inbound request, honouring
// a caller-supplied header and minting a fresh id otherwise.
func FromRequest(r *http.Request) string {
	if id := r.Header.Get(HeaderName); id != "" {
		return id
	}
	return NewID()
}

// NewID mints a fresh correlation identifier.
func NewID() string {
	return uuid.New().String()
}

// WithID returns a context carrying the correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID extracts the correlation id from the context, or "" when absent.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Logger returns a child logger with the context's correlation id bound as
// a field, so every log line from one request carries the same id.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id := ID(ctx)
	if id == "" {
		return logger
	}
	return logger.With().Str("correlation_id", id).Logger()
}
