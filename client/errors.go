package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/editlock/api"
)

// APIError is a non-semantic failure reported by the server. It is never
// retried by the client.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for diagnostics.
	Body []byte
	// RetryAfter is the parsed retry hint from headers or body.
	RetryAfter time.Duration
	// QRFState carries the server's load shedding posture on 429s.
	QRFState string
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("editlock: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "editlock: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("editlock: status %d", e.Status)
}

// Code returns the error code from the envelope.
func (e *APIError) Code() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

// IsAPIError reports whether err is an APIError with one of codes, or any
// APIError when codes is empty.
func IsAPIError(err error, codes ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, code := range codes {
		if apiErr.Response.ErrorCode == code {
			return true
		}
	}
	return false
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
		QRFState:   strings.ToLower(resp.Header.Get("X-Editlock-QRF-State")),
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// isTransportError reports failures worth retrying: anything that is not a
// server answer or a caller cancellation.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
