package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/core"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/identity"
	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	clock *clock.Manual
	hub   *events.Hub
}

func newTestServer(t *testing.T, mutate func(*core.Config, *Config)) *testServer {
	t.Helper()
	clk := clock.NewManual(epoch)
	hub := events.NewHub()
	logger := pslog.NewStructured(context.Background(), io.Discard)
	coreCfg := core.Config{Store: memory.New(), Clock: clk, Logger: logger, Publisher: hub}
	httpCfg := Config{Logger: logger, Authenticator: identity.Headers{}, Hub: hub}
	if mutate != nil {
		mutate(&coreCfg, &httpCfg)
	}
	httpCfg.Service = core.New(coreCfg)
	mux := http.NewServeMux()
	New(httpCfg).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return &testServer{Server: srv, clock: clk, hub: hub}
}

func (s *testServer) at(seconds int) {
	s.clock.Set(epoch.Add(time.Duration(seconds) * time.Second))
}

func doJSON(t *testing.T, srv *testServer, method, path, user string, body any, out any) (int, http.Header) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
		req.Header.Set(api.HeaderUserName, "User "+user)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, resp.Header
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	var acq api.AcquireResponse
	if status, _ := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "x", api.LockRequest{SessionID: "s1"}, &acq); status != http.StatusOK {
		t.Fatalf("acquire status %d", status)
	}
	if !acq.Success || acq.Lock.OwnerID != "x" || acq.Lock.SessionID != "s1" || acq.Lock.OwnerName != "User x" {
		t.Fatalf("unexpected acquire %+v", acq)
	}

	srv.at(1)
	var check api.CheckResponse
	doJSON(t, srv, http.MethodGet, "/locks/page:home", "", nil, &check)
	if !check.Locked || check.Lock.OwnerID != "x" {
		t.Fatalf("unexpected check %+v", check)
	}
	var conflict api.AcquireResponse
	if status, _ := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "y", nil, &conflict); status != http.StatusOK {
		t.Fatalf("conflict must be a 200, got %d", status)
	}
	if conflict.Success || conflict.Error != api.ErrCodeLockHeld || conflict.Lock.OwnerID != "x" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}

	var list api.ListResponse
	doJSON(t, srv, http.MethodGet, "/locks", "", nil, &list)
	if len(list.Locks) != 1 || list.Locks[0].ResourceID != "page:home" {
		t.Fatalf("unexpected list %+v", list)
	}

	srv.at(10)
	var takeover api.TakeoverResponse
	doJSON(t, srv, http.MethodPost, "/locks/page:home/takeover", "y", nil, &takeover)
	if !takeover.Success || takeover.Lock.OwnerID != "y" || takeover.Previous.OwnerID != "x" {
		t.Fatalf("unexpected takeover %+v", takeover)
	}

	srv.at(30)
	var hb api.HeartbeatResponse
	doJSON(t, srv, http.MethodPost, "/locks/page:home/heartbeat", "x", nil, &hb)
	if hb.Success || hb.Error != api.ErrCodeNotOwner {
		t.Fatalf("expected not_owner, got %+v", hb)
	}

	var rel api.ReleaseResponse
	doJSON(t, srv, http.MethodPost, "/locks/page:home/release", "x", nil, &rel)
	if !rel.Success || rel.Released {
		t.Fatalf("non-owner release must succeed without removing, got %+v", rel)
	}
	doJSON(t, srv, http.MethodPost, "/locks/page:home/release", "y", nil, &rel)
	if !rel.Success || !rel.Released {
		t.Fatalf("owner release must remove, got %+v", rel)
	}
	doJSON(t, srv, http.MethodGet, "/locks/page:home", "", nil, &check)
	if check.Locked {
		t.Fatalf("expected free after release, got %+v", check)
	}
}

func TestEscapedResourceID(t *testing.T) {
	srv := newTestServer(t, nil)
	id := "content/article 42"
	var acq api.AcquireResponse
	doJSON(t, srv, http.MethodPost, "/locks/"+url.PathEscape(id)+"/acquire", "x", nil, &acq)
	if !acq.Success || acq.Lock.ResourceID != id {
		t.Fatalf("unexpected acquire %+v", acq)
	}
}

func TestMutationsRequireIdentity(t *testing.T) {
	srv := newTestServer(t, nil)
	var errResp api.ErrorResponse
	status, _ := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "", nil, &errResp)
	if status != http.StatusUnauthorized || errResp.ErrorCode != api.ErrCodeUnauthenticated {
		t.Fatalf("expected 401 unauthenticated, got %d %+v", status, errResp)
	}
	var check api.CheckResponse
	if status, _ := doJSON(t, srv, http.MethodGet, "/locks/page:home", "", nil, &check); status != http.StatusOK {
		t.Fatalf("anonymous check must be allowed, got %d", status)
	}
}

func TestRejectedCredentials(t *testing.T) {
	srv := newTestServer(t, func(_ *core.Config, cfg *Config) {
		cfg.Authenticator = identity.Chain{rejectAll{}}
	})
	var errResp api.ErrorResponse
	status, _ := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "x", nil, &errResp)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

type rejectAll struct{}

func (rejectAll) Authenticate(context.Context, *http.Request) (identity.Identity, bool, error) {
	return identity.Identity{}, false, identity.ErrRejected
}

func TestInvalidBodyRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	var errResp api.ErrorResponse
	status, _ := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "x", map[string]string{"owner": "nope"}, &errResp)
	if status != http.StatusBadRequest || errResp.ErrorCode != api.ErrCodeInvalidBody {
		t.Fatalf("expected 400 invalid_body, got %d %+v", status, errResp)
	}
}

func TestThrottleSetsRetryAfter(t *testing.T) {
	controller := qrf.NewController(qrf.Config{Enabled: true, LockSoftLimit: 1, LockHardLimit: 2})
	controller.Observe(qrf.Snapshot{LockInflight: 3})
	srv := newTestServer(t, func(coreCfg *core.Config, cfg *Config) {
		coreCfg.QRFController = controller
		cfg.QRF = controller
	})
	var errResp api.ErrorResponse
	status, headers := doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "x", nil, &errResp)
	if status != http.StatusTooManyRequests || errResp.ErrorCode != api.ErrCodeThrottled {
		t.Fatalf("expected 429 throttled, got %d %+v", status, errResp)
	}
	if headers.Get("Retry-After") != "2" || headers.Get(headerQRFState) != "engaged" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	srv := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set(correlation.Header, "abc-123")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
	resp, err = srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestReadyReflectsProbe(t *testing.T) {
	srv := newTestServer(t, func(_ *core.Config, cfg *Config) {
		cfg.Ready = func(context.Context) error { return errors.New("draining") }
	})
	var health api.HealthResponse
	status, _ := doJSON(t, srv, http.MethodGet, "/readyz", "", nil, &health)
	if status != http.StatusServiceUnavailable || health.Status != "draining" {
		t.Fatalf("unexpected readyz %d %+v", status, health)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t, nil)
	var doc map[string]any
	status, _ := doJSON(t, srv, http.MethodGet, "/openapi.json", "", nil, &doc)
	if status != http.StatusOK {
		t.Fatalf("openapi status %d", status)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/locks/{resourceId}/acquire"]; !ok {
		t.Fatalf("acquire path missing from document")
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/locks/page:home/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	doJSON(t, srv, http.MethodPost, "/locks/page:other/acquire", "x", nil, nil)
	doJSON(t, srv, http.MethodPost, "/locks/page:home/acquire", "x", nil, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt api.LockEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != api.EventAcquired || evt.ResourceID != "page:home" || evt.Lock == nil || evt.Lock.OwnerID != "x" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
