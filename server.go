package editlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/core"
	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/httpapi"
	"pkt.systems/editlock/internal/identity"
	"pkt.systems/editlock/internal/lsf"
	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/tlsutil"
)

// Server wraps the HTTP listener, lock service, storage backend and
// supporting components.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	service   *core.Service
	hub       *events.Hub
	publisher *events.Multi
	httpSrv   *http.Server
	serveTLS  bool
	telemetry *telemetry
	webhook   *identity.Webhook

	qrfController *qrf.Controller
	lsfObserver   *lsf.Observer

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu           sync.Mutex
	listener     net.Listener
	socketPath   string
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend storage.Backend
	clock   clock.Clock
}

// WithLogger supplies the server logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built backend instead of opening cfg.Store.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock injects a clock; tests use clock.Manual to drive lease expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewServer assembles an editlock server from cfg.
//
//	cfg := editlock.DefaultConfig()
//	cfg.Store = "disk:///var/lib/editlock"
//	srv, err := editlock.NewServer(cfg, editlock.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.TakeoverPolicy()
	if err != nil {
		return nil, fmt.Errorf("config: takeover: %w", err)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	// Every acquired resource is released in reverse order on failure.
	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	var serverTLS *tlsutil.ServerTLS
	if cfg.TLSEnabled() {
		serverTLS, err = tlsutil.LoadServer(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.ClientCAFile, cfg.DenylistPath)
		if err != nil {
			return nil, err
		}
	}

	tel, err := startTelemetry(context.Background(), cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if tel != nil {
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		})
	}

	backend := o.backend
	if backend == nil {
		openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		backend, err = OpenBackend(openCtx, cfg, svcfields.WithSubsystem(logger, "storage"))
		cancel()
		if err != nil {
			return nil, err
		}
	}
	backend = wrapBackend(backend, cfg, logger, serverClock)
	cleanups = append(cleanups, func() { _ = backend.Close() })

	hub := events.NewHub()
	publisher, err := buildPublisher(cfg, hub, logger)
	if err != nil {
		_ = hub.Close()
		return nil, err
	}
	cleanups = append(cleanups, func() { _ = publisher.Close() })

	bgCtx, bgCancel := context.WithCancel(context.Background())
	cleanups = append(cleanups, bgCancel)

	auth, webhook, err := buildAuthenticator(bgCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if webhook != nil {
		cleanups = append(cleanups, webhook.Close)
	}

	qrfCtrl := qrf.NewController(qrf.Config{
		Enabled:                 cfg.QRFEnabled,
		LockSoftLimit:           cfg.QRFLockSoftLimit,
		LockHardLimit:           cfg.QRFLockHardLimit,
		MemorySoftLimitBytes:    cfg.QRFMemorySoftLimitBytes,
		MemoryHardLimitBytes:    cfg.QRFMemoryHardLimitBytes,
		MemorySoftLimitPercent:  cfg.QRFMemorySoftLimitPercent,
		MemoryHardLimitPercent:  cfg.QRFMemoryHardLimitPercent,
		LoadSoftLimitMultiplier: cfg.QRFLoadSoftLimitMultiplier,
		LoadHardLimitMultiplier: cfg.QRFLoadHardLimitMultiplier,
		RecoverySamples:         cfg.QRFRecoverySamples,
		SoftDelay:               cfg.QRFSoftDelay,
		EngagedDelay:            cfg.QRFEngagedDelay,
		RecoveryDelay:           cfg.QRFRecoveryDelay,
		Logger:                  svcfields.WithSubsystem(logger, "qrf"),
	})
	var observer *lsf.Observer
	if cfg.QRFEnabled {
		observer = lsf.NewObserver(lsf.Config{
			Enabled:        true,
			SampleInterval: cfg.LSFSampleInterval,
			LogInterval:    cfg.LSFLogInterval,
		}, qrfCtrl, svcfields.WithSubsystem(logger, "lsf"))
	}

	svc := core.New(core.Config{
		Store:             backend,
		Logger:            logger,
		Clock:             serverClock,
		Publisher:         publisher,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxCASAttempts:    cfg.MaxCASAttempts,
		Takeover:          policy,
		LSFObserver:       observer,
		QRFController:     qrfCtrl,
	})

	srv = &Server{
		cfg:           cfg,
		logger:        svcfields.WithSubsystem(logger, "server.lifecycle"),
		clock:         serverClock,
		backend:       backend,
		service:       svc,
		hub:           hub,
		publisher:     publisher,
		telemetry:     tel,
		webhook:       webhook,
		qrfController: qrfCtrl,
		lsfObserver:   observer,
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
		readyCh:       make(chan struct{}),
	}

	var watchHub *events.Hub
	if !cfg.DisableWatch {
		watchHub = hub
	}
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{
		Service:           svc,
		Logger:            logger,
		Authenticator:     auth,
		Hub:               watchHub,
		QRF:               qrfCtrl,
		Ready:             srv.ready,
		WatchBuffer:       cfg.WatchBuffer,
		EnableHTTPTracing: !cfg.DisableHTTPTracing,
	}).Register(mux)

	h2 := &http2.Server{MaxConcurrentStreams: cfg.HTTP2MaxConcurrentStreams}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(serverErrorWriter{logger: svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}
	if serverTLS != nil {
		httpSrv.Handler = mux
		httpSrv.TLSConfig = serverTLS.Config()
		if err := http2.ConfigureServer(httpSrv, h2); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
		srv.serveTLS = true
	} else {
		httpSrv.Handler = h2c.NewHandler(mux, h2)
	}
	srv.httpSrv = httpSrv
	return srv, nil
}

func buildAuthenticator(ctx context.Context, cfg Config, logger pslog.Logger) (identity.Chain, *identity.Webhook, error) {
	var (
		chain   identity.Chain
		webhook *identity.Webhook
	)
	authLogger := svcfields.WithSubsystem(logger, "identity")
	for _, provider := range cfg.Auth {
		switch provider {
		case AuthHeaders:
			chain = append(chain, identity.Headers{})
		case AuthMTLS:
			chain = append(chain, identity.MTLS{})
		case AuthTokens:
			t, err := identity.LoadTokens(cfg.TokensFile, authLogger)
			if err != nil {
				return nil, nil, err
			}
			if err := t.Watch(ctx, nil); err != nil {
				authLogger.Warn("identity.tokens.watch_unavailable", "path", cfg.TokensFile, "error", err)
			}
			authLogger.Info("identity.tokens.loaded", "path", cfg.TokensFile, "tokens", t.Len())
			chain = append(chain, t)
		case AuthWebhook:
			w, err := identity.NewWebhook(identity.WebhookConfig{
				URL:      cfg.WebhookURL,
				CacheTTL: cfg.WebhookCacheTTL,
				Logger:   logger,
			})
			if err != nil {
				return nil, nil, err
			}
			webhook = w
			chain = append(chain, w)
		}
		authLogger.Info("identity.provider.enabled", "provider", provider)
	}
	return chain, webhook, nil
}

type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// ready backs /readyz: the server must be listening, not draining, and the
// backend reachable.
func (s *Server) ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
	default:
		return errors.New("listener not ready")
	}
	s.mu.Lock()
	down := s.shutdown
	s.mu.Unlock()
	if down {
		return errors.New("draining")
	}
	if _, err := s.service.List(ctx); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler so editlock can be mounted inside an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the lock service for embedding programs.
func (s *Server) Service() *core.Service {
	return s.service
}

// Hub returns the in-process event hub backing the watch endpoint.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// Start binds the listener and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()

	s.startBackground()
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"store", redactURL(s.cfg.Store),
		"tls", s.cfg.TLSEnabled(),
		"mtls", s.cfg.MTLSEnabled(),
		"takeover", s.cfg.TakeoverMode,
		"lease_ttl", s.cfg.LeaseTTL,
	)
	var serveErr error
	if s.serveTLS {
		serveErr = s.httpSrv.ServeTLS(ln, "", "")
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	s.mu.Lock()
	s.lastServeErr = serveErr
	s.mu.Unlock()
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startBackground() {
	if s.cfg.SweeperInterval > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.service.RunSweeper(s.bgCtx, s.cfg.SweeperInterval)
		}()
	}
	if s.lsfObserver != nil {
		s.lsfObserver.Start(s.bgCtx)
	}
}

// Shutdown drains and stops the server. New acquisitions are refused for
// DrainGrace while heartbeats and releases continue, then the listener
// closes and every component is torn down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.service.SetDraining(true)
	if grace := s.cfg.DrainGrace; grace > 0 {
		s.logger.Info("server.drain.begin", "grace", grace)
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.bgCancel()
	s.bg.Wait()
	if s.lsfObserver != nil {
		s.lsfObserver.Wait()
	}
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events close: %w", err))
	}
	if s.webhook != nil {
		s.webhook.Close()
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}
	if s.telemetry != nil {
		telCtx := ctx
		if telCtx.Err() != nil {
			var cancel context.CancelFunc
			telCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	socket := s.socketPath
	serveErr := s.lastServeErr
	s.mu.Unlock()
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		errs = append(errs, serveErr)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close shuts the server down bounded by ShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start has run.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// QRFState returns the current load-shedding state.
func (s *Server) QRFState() qrf.State {
	if s == nil || s.qrfController == nil {
		return qrf.StateDisengaged
	}
	return s.qrfController.State()
}

// ForceQRFObserve feeds a snapshot to the load-shedding controller.
func (s *Server) ForceQRFObserve(snapshot qrf.Snapshot) {
	if s == nil || s.qrfController == nil {
		return
	}
	s.qrfController.Observe(snapshot)
}

// StartServer starts a server in the background, waits until it is
// listening and returns it with an idempotent stop function. Cancelling ctx
// also stops the server.
//
//	srv, stop, err := editlock.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
