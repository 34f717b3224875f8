// Package transport maps core failures onto protocol-level errors.
package transport

import (
	"errors"
	"net/http"

	"pkt.systems/editlock/internal/core"
)

// HTTPError converts a core.Failure into an HTTP-aware error struct.
// Handlers can wrap this in their own response writers.
type HTTPError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

// ToHTTP maps a core error into HTTP-friendly fields. It reports false for
// errors that carry no failure details.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status:     status,
		Code:       failure.Code,
		Detail:     failure.Detail,
		RetryAfter: failure.RetryAfter,
	}, true
}
