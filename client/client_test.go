package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/version"
)

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}

func TestClientRetriesTransportFailures(t *testing.T) {
	h := newHarness(t)
	tr := &flakyTransport{failures: 2, next: http.DefaultTransport}
	cli := h.client(t, "x", WithHTTPClient(&http.Client{Transport: tr}))
	res, err := cli.Acquire(context.Background(), "page:home", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := tr.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientGivesUpAfterFailureRetries(t *testing.T) {
	h := newHarness(t)
	tr := &flakyTransport{failures: 100, next: http.DefaultTransport}
	cli := h.client(t, "x", WithHTTPClient(&http.Client{Transport: tr}), WithFailureRetries(2))
	if _, err := cli.Check(context.Background(), "page:home"); err == nil {
		t.Fatal("expected transport error")
	}
	if got := tr.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientDoesNotRetryAPIErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.Header().Set("X-Editlock-QRF-State", "engaged")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"throttled","detail":"slow down","retry_after_seconds":2}`))
	}))
	defer srv.Close()
	cli, err := New(srv.URL, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Acquire(context.Background(), "page:home", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Code() != api.ErrCodeThrottled {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.RetryAfter != 2*time.Second || apiErr.QRFState != "engaged" {
		t.Fatalf("unexpected retry hints: %s %q", apiErr.RetryAfter, apiErr.QRFState)
	}
	if !IsAPIError(err, api.ErrCodeThrottled) || IsAPIError(err, api.ErrCodeLockHeld) {
		t.Fatal("IsAPIError mismatch")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestClientSemanticNegativesAreResults(t *testing.T) {
	h := newHarness(t)
	x := h.client(t, "x")
	y := h.client(t, "y")
	ctx := context.Background()
	if _, err := x.Acquire(ctx, "page:home", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	hb, err := y.Heartbeat(ctx, "page:home", "")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb.Success || hb.Error != api.ErrCodeNotOwner {
		t.Fatalf("expected not_owner, got %+v", hb)
	}
	rel, err := y.Release(ctx, "page:home", "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rel.Success || rel.Released {
		t.Fatalf("expected no-op release, got %+v", rel)
	}
}

func TestClientUnauthenticated(t *testing.T) {
	h := newHarness(t)
	cli, err := New(h.srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Acquire(context.Background(), "page:home", "")
	if !IsAPIError(err, api.ErrCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := cli.Check(context.Background(), "page:home"); err != nil {
		t.Fatalf("anonymous check: %v", err)
	}
}

func TestClientEscapesResourceIDs(t *testing.T) {
	h := newHarness(t)
	cli := h.client(t, "x")
	ctx := context.Background()
	const id = "content/article 42?draft"
	res, err := cli.Acquire(ctx, id, "")
	if err != nil || !res.Success {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if res.Lock.ResourceID != id {
		t.Fatalf("expected resource id %q, got %q", id, res.Lock.ResourceID)
	}
	list, err := cli.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Locks) != 1 || list.Locks[0].ResourceID != id {
		t.Fatalf("unexpected list %+v", list.Locks)
	}
}

func TestClientSendsCorrelationID(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(correlation.Header))
		_, _ = w.Write([]byte(`{"locked":false}`))
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "edit-123")
	if _, err := cli.Check(ctx, "page:home"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got, _ := seen.Load().(string); got != "edit-123" {
		t.Fatalf("expected correlation id, got %q", got)
	}
}

func TestClientSendsUserAgent(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"locked":false}`))
	}))
	defer srv.Close()
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := cli.Check(context.Background(), "page:home"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got, _ := seen.Load().(string); got != version.UserAgent() {
		t.Fatalf("expected %q, got %q", version.UserAgent(), got)
	}
}

func TestClientUnixSocket(t *testing.T) {
	h := newHarness(t)
	dir, err := os.MkdirTemp("", "editlock")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "editlock.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := httptest.NewUnstartedServer(h.srv.Config.Handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	defer srv.Close()

	cli, err := New("unix://"+sock, WithIdentity(Identity{ID: "x"}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.BaseURL() != "http://unix" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
	res, err := cli.Acquire(context.Background(), "page:home", "")
	if err != nil || !res.Success {
		t.Fatalf("acquire over unix socket: %+v %v", res, err)
	}
}

func TestNewRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "http://", "unix://"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSnapshotHelpers(t *testing.T) {
	now := epoch.Add(90 * time.Second)
	s := Snapshot{Locked: true, Owner: &api.Lock{OwnerID: "u1", AcquiredAt: epoch}}
	if s.OwnerLabel() != "u1" {
		t.Fatalf("expected id fallback, got %q", s.OwnerLabel())
	}
	s.Owner.OwnerEmail = "u1@example.com"
	if s.OwnerLabel() != "u1@example.com" {
		t.Fatalf("expected email fallback, got %q", s.OwnerLabel())
	}
	if got := s.HeldFor(now); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if (Snapshot{}).HeldFor(now) != 0 || (Snapshot{}).OwnerLabel() != "" {
		t.Fatal("expected zero values for a free resource")
	}
	if !s.Conflict() {
		t.Fatal("expected conflict when locked by someone else")
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	if got := parseRetryAfterHeader("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfterHeader("-1"); got != 0 {
		t.Fatalf("expected 0, got %s", got)
	}
	if got := parseRetryAfterHeader("soon"); got != 0 {
		t.Fatalf("expected 0, got %s", got)
	}
}
