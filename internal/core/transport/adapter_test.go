package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"pkt.systems/editlock/internal/core"
)

func TestToHTTPMapsFailure(t *testing.T) {
	err := fmt.Errorf("acquire: %w", core.Failure{Code: "throttled", Detail: "busy", RetryAfter: 3, HTTPStatus: http.StatusTooManyRequests})
	httpErr, ok := ToHTTP(err)
	if !ok {
		t.Fatal("expected failure to map")
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.Code != "throttled" || httpErr.RetryAfter != 3 {
		t.Fatalf("unexpected mapping %+v", httpErr)
	}
	if httpErr.Error() != "throttled: busy" {
		t.Fatalf("unexpected message %q", httpErr.Error())
	}
}

func TestToHTTPDefaultsToBadRequest(t *testing.T) {
	httpErr, ok := ToHTTP(core.Failure{Code: "invalid_resource"})
	if !ok || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v ok=%v", httpErr, ok)
	}
}

func TestToHTTPIgnoresPlainErrors(t *testing.T) {
	if _, ok := ToHTTP(errors.New("boom")); ok {
		t.Fatal("plain errors must not map")
	}
}
