package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/uuidv7"
)

// Header is the HTTP header carrying correlation identifiers between the
// client SDK and the server.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records the correlation id on ctx. Invalid ids leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}

// FromRequest returns a context carrying the request's correlation id,
// generating one when the header is missing or malformed.
func FromRequest(r *http.Request) (context.Context, string) {
	id, ok := Normalize(r.Header.Get(Header))
	if !ok {
		id = Generate()
	}
	return Set(r.Context(), id), id
}

// Logger decorates logger with the correlation id carried by ctx.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	if id := ID(ctx); id != "" {
		return logger.With("cid", id)
	}
	return logger
}
