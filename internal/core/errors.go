package core

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/storage"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func invalidResource(err error) Failure {
	return Failure{Code: api.ErrCodeInvalidResource, Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
}

func unauthenticated() Failure {
	return Failure{Code: api.ErrCodeUnauthenticated, Detail: "caller identity required", HTTPStatus: http.StatusUnauthorized}
}

func casExhausted(resourceID string, attempts int) Failure {
	return Failure{
		Code:       api.ErrCodeCASExhausted,
		Detail:     fmt.Sprintf("%q changed concurrently %d times", resourceID, attempts),
		RetryAfter: 1,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// storeFailure maps storage errors onto failures. Errors that are neither
// transient nor validation errors are returned wrapped for a 500.
func storeFailure(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrInvalidResource):
		return invalidResource(err)
	case errors.Is(err, storage.ErrCASMismatch):
		return Failure{Code: api.ErrCodeCASExhausted, Detail: err.Error(), RetryAfter: 1, HTTPStatus: http.StatusServiceUnavailable}
	case storage.IsTransient(err):
		return Failure{Code: api.ErrCodeStoreUnavailable, Detail: err.Error(), RetryAfter: 1, HTTPStatus: http.StatusServiceUnavailable}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
