package editlock

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/client"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/tlsutil"
)

var (
	alice = client.Identity{ID: "alice", Name: "Alice", Email: "alice@example.com"}
	bob   = client.Identity{ID: "bob", Name: "Bob"}
)

func startClockedServer(t *testing.T) (*TestServer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ts := StartTestServer(t,
		WithTestClock(clk),
		WithTestLoggerFromTB(t, pslog.InfoLevel),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.SweeperInterval = -1
		}),
	)
	return ts, clk
}

func newTestClient(t *testing.T, ts *TestServer, id client.Identity, opts ...client.Option) *client.Client {
	t.Helper()
	cli, err := ts.NewClient(id, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestSessionLifecycle(t *testing.T) {
	ts, clk := startClockedServer(t)
	ctx := context.Background()
	start := clk.Now()

	aliceCli := newTestClient(t, ts, alice)
	bobCli := newTestClient(t, ts, bob)

	aliceSess, err := aliceCli.Open(ctx, "article-42")
	if err != nil {
		t.Fatalf("open alice: %v", err)
	}
	defer aliceSess.Close()
	res, err := aliceSess.AcquireLock(ctx)
	if err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if !res.Success || !aliceSess.HasLock() {
		t.Fatalf("alice should hold the lock: %+v", res)
	}

	bobSess, err := bobCli.Open(ctx, "article-42")
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}
	defer bobSess.Close()
	if !bobSess.Locked() || bobSess.HasLock() {
		t.Fatalf("bob should see a foreign lock: %+v", bobSess.Snapshot())
	}
	if owner := bobSess.LockOwner(); owner == nil || owner.OwnerID != "alice" {
		t.Fatalf("unexpected owner %+v", owner)
	}
	conflict, err := bobSess.AcquireLock(ctx)
	if err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if conflict.Success || conflict.Lock == nil || conflict.Lock.OwnerID != "alice" {
		t.Fatalf("expected conflict with alice, got %+v", conflict)
	}

	// The heartbeat timer re-arms only after the renewal completed.
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("heartbeat timer not scheduled")
	}
	clk.Advance(30 * time.Second)
	if !clk.BlockUntil(1, 2*time.Second) {
		t.Fatal("heartbeat timer not re-armed")
	}
	check, err := bobCli.Check(ctx, "article-42")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Lock == nil || !check.Lock.LastHeartbeatAt.Equal(start.Add(30*time.Second)) {
		t.Fatalf("expected heartbeat at +30s, got %+v", check.Lock)
	}

	if err := aliceSess.ReleaseLock(ctx); err != nil {
		t.Fatalf("alice release: %v", err)
	}
	if aliceSess.HasLock() {
		t.Fatal("alice still reports the lock after release")
	}
	if err := bobSess.Refresh(ctx); err != nil {
		t.Fatalf("bob refresh: %v", err)
	}
	if bobSess.Locked() {
		t.Fatal("lock should be free after release")
	}
	res, err = bobSess.AcquireLock(ctx)
	if err != nil || !res.Success {
		t.Fatalf("bob acquire after release: %+v %v", res, err)
	}
	if res.Lock.SessionID != bobSess.ID() {
		t.Fatalf("lock tagged with session %q, want %q", res.Lock.SessionID, bobSess.ID())
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	ts, clk := startClockedServer(t)
	ctx := context.Background()
	aliceCli := newTestClient(t, ts, alice)
	bobCli := newTestClient(t, ts, bob)

	res, err := aliceCli.Acquire(ctx, "page-7", "")
	if err != nil || !res.Success {
		t.Fatalf("alice acquire: %+v %v", res, err)
	}
	clk.Advance(59 * time.Second)
	res, err = bobCli.Acquire(ctx, "page-7", "")
	if err != nil {
		t.Fatalf("bob acquire: %v", err)
	}
	if res.Success {
		t.Fatal("lock must still be held before the ttl")
	}
	clk.Advance(2 * time.Second)
	res, err = bobCli.Acquire(ctx, "page-7", "")
	if err != nil || !res.Success {
		t.Fatalf("bob should reclaim the stale lock: %+v %v", res, err)
	}
	if res.Lock.OwnerID != "bob" {
		t.Fatalf("unexpected owner %q", res.Lock.OwnerID)
	}
	hb, err := aliceCli.Heartbeat(ctx, "page-7", "")
	if err != nil {
		t.Fatalf("alice heartbeat: %v", err)
	}
	if hb.Success {
		t.Fatal("alice must have lost the lock")
	}
}

func TestTakeoverReplacesHolder(t *testing.T) {
	ts, _ := startClockedServer(t)
	ctx := context.Background()
	aliceCli := newTestClient(t, ts, alice)
	bobCli := newTestClient(t, ts, bob)

	if res, err := aliceCli.Acquire(ctx, "doc-1", "s-alice"); err != nil || !res.Success {
		t.Fatalf("alice acquire: %+v %v", res, err)
	}
	res, err := bobCli.Takeover(ctx, "doc-1", "s-bob")
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !res.Success || res.Lock.OwnerID != "bob" || res.Previous == nil || res.Previous.OwnerID != "alice" {
		t.Fatalf("unexpected takeover %+v", res)
	}
	list, err := aliceCli.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Locks) != 1 || list.Locks[0].OwnerID != "bob" {
		t.Fatalf("unexpected locks %+v", list.Locks)
	}
}

func TestUnixSocketServer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "editlock.sock")
	ts := StartTestServer(t, WithTestUnixSocket(sock))
	ctx := context.Background()
	cli := newTestClient(t, ts, alice)
	if err := cli.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	res, err := cli.Acquire(ctx, "doc-unix", "")
	if err != nil || !res.Success {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed, stat err=%v", err)
	}
}

func TestDrainRefusesNewLocks(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	aliceCli := newTestClient(t, ts, alice)
	bobCli := newTestClient(t, ts, bob)

	if res, err := aliceCli.Acquire(ctx, "doc-a", ""); err != nil || !res.Success {
		t.Fatalf("alice acquire: %+v %v", res, err)
	}
	ts.Server.Service().SetDraining(true)

	_, err := bobCli.Acquire(ctx, "doc-b", "")
	if !client.IsAPIError(err, api.ErrCodeDraining) {
		t.Fatalf("expected %s, got %v", api.ErrCodeDraining, err)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", apiErr.Status)
	}
	if _, err := bobCli.Takeover(ctx, "doc-a", ""); !client.IsAPIError(err, api.ErrCodeDraining) {
		t.Fatalf("takeover during drain: %v", err)
	}
	hb, err := aliceCli.Heartbeat(ctx, "doc-a", "")
	if err != nil || !hb.Success {
		t.Fatalf("heartbeat during drain: %+v %v", hb, err)
	}
	rel, err := aliceCli.Release(ctx, "doc-a", "")
	if err != nil || !rel.Released {
		t.Fatalf("release during drain: %+v %v", rel, err)
	}
}

func TestShutdownDrainGrace(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.DrainGrace = 500 * time.Millisecond
	}))
	cli := newTestClient(t, ts, alice, client.WithFailureRetries(0))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- ts.Server.Shutdown(ctx) }()

	refused := false
	for i := 0; i < 40 && !refused; i++ {
		_, err := cli.Acquire(ctx, "doc-late", "")
		if client.IsAPIError(err, api.ErrCodeDraining) {
			refused = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !refused {
		t.Fatal("acquire was never refused while draining")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if err := ts.Server.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestReadyz(t *testing.T) {
	ts := StartTestServer(t)
	resp, err := http.Get(ts.URL() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestChaosResetsAreRetried(t *testing.T) {
	ts := StartTestServer(t, WithTestChaos(&ChaosConfig{ResetConnections: 2}))
	cli := newTestClient(t, ts, alice, client.WithFailureRetries(4))
	res, err := cli.Acquire(context.Background(), "doc-chaos", "")
	if err != nil || !res.Success {
		t.Fatalf("acquire through chaos proxy: %+v %v", res, err)
	}
	if got := ts.proxy.Resets(); got != 2 {
		t.Fatalf("expected 2 resets, got %d", got)
	}
}

func TestMutualTLSIdentity(t *testing.T) {
	ca, err := tlsutil.GenerateCA("", time.Hour)
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	serverCert, err := ca.IssueServer(nil, time.Hour)
	if err != nil {
		t.Fatalf("server cert: %v", err)
	}
	clientCert, err := ca.IssueClient(tlsutil.ClientCertRequest{
		UserID:   "carol",
		Email:    "carol@example.com",
		Roles:    []string{"editor"},
		Validity: time.Hour,
	})
	if err != nil {
		t.Fatalf("client cert: %v", err)
	}
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	certFile := write("server.pem", serverCert.CertPEM)
	keyFile := write("server.key", serverCert.KeyPEM)
	caFile := write("ca.pem", ca.CertPEM)

	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.TLSCertFile = certFile
		cfg.TLSKeyFile = keyFile
		cfg.ClientCAFile = caFile
		cfg.Auth = []string{AuthMTLS}
	}))

	bundlePEM, err := tlsutil.EncodeClientBundle(ca.CertPEM, clientCert.CertPEM, clientCert.KeyPEM)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	bundle, err := tlsutil.LoadClientBundleFromBytes(bundlePEM)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: bundle.TLSConfig()}}
	cli, err := client.New(ts.URL(), client.WithHTTPClient(httpClient))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := cli.Acquire(context.Background(), "doc-mtls", "")
	if err != nil || !res.Success {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if res.Lock.OwnerID != "carol" || res.Lock.OwnerEmail != "carol@example.com" {
		t.Fatalf("identity not taken from certificate: %+v", res.Lock)
	}

	anonTLS := bundle.TLSConfig()
	anonTLS.Certificates = nil
	anon, err := client.New(ts.URL(),
		client.WithHTTPClient(&http.Client{Transport: &http.Transport{TLSClientConfig: anonTLS}}),
		client.WithFailureRetries(0),
	)
	if err != nil {
		t.Fatalf("anonymous client: %v", err)
	}
	if _, err := anon.Check(context.Background(), "doc-mtls"); err == nil {
		t.Fatal("expected handshake failure without a client certificate")
	}
}
