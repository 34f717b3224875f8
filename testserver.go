package editlock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/client"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/storage"
)

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	// Clock is set when the server was started WithTestClock.
	Clock *clock.Manual

	stop  func(context.Context) error
	proxy *chaosProxy
}

type testServerOptions struct {
	cfg      Config
	mutators []func(*Config)
	backend  storage.Backend
	clock    *clock.Manual
	logger   pslog.Logger
	tb       testing.TB
	logLevel pslog.Level
	chaos    *ChaosConfig
}

// TestServerOption customises NewTestServer and StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket listens on a unix socket at path.
func WithTestUnixSocket(path string) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg.ListenProto = "unix"
		o.cfg.Listen = path
	}
}

// WithTestStore sets the store URL.
func WithTestStore(store string) TestServerOption {
	return func(o *testServerOptions) { o.cfg.Store = store }
}

// WithTestBackend injects a pre-built backend, for example one shared
// between two servers.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.backend = backend }
}

// WithTestClock drives lease expiry from a manual clock.
func WithTestClock(c *clock.Manual) TestServerOption {
	return func(o *testServerOptions) { o.clock = c }
}

// WithTestLogger supplies a logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLoggerFromTB routes server logs through t.Log at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.tb = t
		o.logLevel = level
	}
}

// WithTestChaos puts a fault-injecting TCP proxy in front of the listener.
func WithTestChaos(cfg *ChaosConfig) TestServerOption {
	return func(o *testServerOptions) { o.chaos = cfg }
}

// NewTestServer starts an in-memory server on a loopback port with drain
// grace disabled. Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			Store:       "mem://",
			ListenProto: "tcp",
			Listen:      "127.0.0.1:0",
		},
		logLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto == "unix" && cfg.Listen == "" {
		return nil, errors.New("test server: unix listener requires a socket path")
	}
	if options.chaos != nil && cfg.ListenProto == "unix" {
		return nil, errors.New("test server: chaos proxy requires a tcp listener")
	}

	logger := options.logger
	if logger == nil {
		if options.tb != nil {
			logger = NewTestingLogger(options.tb, options.logLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	startOpts := []Option{WithLogger(logger)}
	if options.backend != nil {
		startOpts = append(startOpts, WithBackend(options.backend))
	}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// The server lifetime is owned by Stop, not by ctx.
	srv, stop, err := StartServer(context.WithoutCancel(ctx), cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	ts := &TestServer{
		Server: srv,
		Config: srv.cfg,
		Clock:  options.clock,
		stop:   stop,
	}
	if cfg.ListenProto == "unix" {
		ts.BaseURL = "unix://" + cfg.Listen
	} else {
		scheme := "http"
		if cfg.TLSEnabled() {
			scheme = "https"
		}
		ts.BaseURL = fmt.Sprintf("%s://%s", scheme, srv.ListenerAddr().String())
	}
	if options.chaos != nil {
		proxy, err := newChaosProxy(srv.ListenerAddr().String(), *options.chaos)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.proxy = proxy
		ts.BaseURL = strings.Replace(ts.BaseURL, srv.ListenerAddr().String(), proxy.Addr().String(), 1)
	}
	return ts, nil
}

// StartTestServer fails t on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use.
func (ts *TestServer) URL() string {
	return ts.BaseURL
}

// NewClient returns a client acting as the given editor. When the server
// runs on a manual clock the client heartbeats on it as well.
func (ts *TestServer) NewClient(id client.Identity, opts ...client.Option) (*client.Client, error) {
	base := []client.Option{client.WithIdentity(id), client.WithRetryDelay(time.Millisecond)}
	if ts.Clock != nil {
		base = append(base, client.WithClock(ts.Clock))
	}
	return client.New(ts.BaseURL, append(base, opts...)...)
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			// Background goroutines may outlive the test.
			if msg := fmt.Sprint(r); strings.Contains(msg, "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: level,
	}).With("app", "testserver")
}

// ChaosConfig describes faults injected between clients and the server.
type ChaosConfig struct {
	// ResetConnections closes this many accepted connections before any
	// bytes are forwarded.
	ResetConnections int
	// Latency delays every forwarded chunk.
	Latency time.Duration
}

type chaosProxy struct {
	listener net.Listener
	remote   string
	cfg      ChaosConfig

	mu     sync.Mutex
	resets int
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newChaosProxy(remote string, cfg ChaosConfig) (*chaosProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cp := &chaosProxy{listener: ln, remote: remote, cfg: cfg, conns: map[net.Conn]struct{}{}}
	cp.wg.Add(1)
	go cp.acceptLoop()
	return cp, nil
}

func (cp *chaosProxy) Addr() net.Addr {
	return cp.listener.Addr()
}

// Resets reports how many connections were reset.
func (cp *chaosProxy) Resets() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.resets
}

func (cp *chaosProxy) Close() error {
	cp.mu.Lock()
	cp.closed = true
	for c := range cp.conns {
		_ = c.Close()
	}
	cp.mu.Unlock()
	err := cp.listener.Close()
	cp.wg.Wait()
	return err
}

func (cp *chaosProxy) track(c net.Conn) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return false
	}
	cp.conns[c] = struct{}{}
	return true
}

func (cp *chaosProxy) untrack(c net.Conn) {
	cp.mu.Lock()
	delete(cp.conns, c)
	cp.mu.Unlock()
}

func (cp *chaosProxy) shouldReset() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.resets >= cp.cfg.ResetConnections {
		return false
	}
	cp.resets++
	return true
}

func (cp *chaosProxy) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			return
		}
		if cp.shouldReset() {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			_ = conn.Close()
			continue
		}
		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			cp.handle(conn)
		}()
	}
}

func (cp *chaosProxy) handle(downstream net.Conn) {
	upstream, err := net.DialTimeout("tcp", cp.remote, time.Second)
	if err != nil {
		_ = downstream.Close()
		return
	}
	if !cp.track(downstream) || !cp.track(upstream) {
		_ = downstream.Close()
		_ = upstream.Close()
		return
	}
	defer func() {
		cp.untrack(downstream)
		cp.untrack(upstream)
	}()
	done := make(chan struct{}, 2)
	go cp.pipe(done, upstream, downstream)
	go cp.pipe(done, downstream, upstream)
	<-done
	_ = downstream.Close()
	_ = upstream.Close()
	<-done
}

func (cp *chaosProxy) pipe(done chan<- struct{}, dst, src net.Conn) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if cp.cfg.Latency > 0 {
				time.Sleep(cp.cfg.Latency)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
