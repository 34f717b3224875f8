// Package httpapi exposes the lock service over HTTP.
package httpapi

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/core"
	"pkt.systems/editlock/internal/core/transport"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/events"
	"pkt.systems/editlock/internal/identity"
	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	headerQRFState = "X-Editlock-QRF-State"
	requestBodyMax = 4 << 10
)

// Config wires the handler's collaborators.
type Config struct {
	Service       *core.Service
	Logger        pslog.Logger
	Authenticator identity.Authenticator
	// Hub feeds websocket watchers. Watch is disabled when nil.
	Hub *events.Hub
	// QRF, when set, is reported on throttled responses.
	QRF *qrf.Controller
	// Ready reports whether the server should receive traffic.
	Ready func(ctx context.Context) error
	// WatchBuffer is the per-watcher event buffer.
	WatchBuffer int
	// WatchPingInterval is the websocket keepalive cadence.
	WatchPingInterval time.Duration
	// EnableHTTPTracing wraps every route with otelhttp.
	EnableHTTPTracing bool
}

// Handler serves the lock API.
type Handler struct {
	svc          *core.Service
	logger       pslog.Logger
	auth         identity.Authenticator
	hub          *events.Hub
	qrf          *qrf.Controller
	ready        func(ctx context.Context) error
	watchBuffer  int
	pingInterval time.Duration
	tracing      bool
	tracer       trace.Tracer
}

// New builds the handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = identity.Chain{}
	}
	buffer := cfg.WatchBuffer
	if buffer <= 0 {
		buffer = 32
	}
	ping := cfg.WatchPingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Handler{
		svc:          cfg.Service,
		logger:       logger,
		auth:         auth,
		hub:          cfg.Hub,
		qrf:          cfg.QRF,
		ready:        cfg.Ready,
		watchBuffer:  buffer,
		pingInterval: ping,
		tracing:      cfg.EnableHTTPTracing,
		tracer:       otel.Tracer("pkt.systems/editlock/httpapi"),
	}
}

// Register wires the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /locks", h.wrap("list", h.handleList))
	mux.Handle("GET /locks/{resourceId}", h.wrap("check", h.handleCheck))
	mux.Handle("POST /locks/{resourceId}/acquire", h.wrap("acquire", h.handleAcquire))
	mux.Handle("POST /locks/{resourceId}/heartbeat", h.wrap("heartbeat", h.handleHeartbeat))
	mux.Handle("POST /locks/{resourceId}/release", h.wrap("release", h.handleRelease))
	mux.Handle("POST /locks/{resourceId}/takeover", h.wrap("takeover", h.handleTakeover))
	mux.Handle("GET /locks/{resourceId}/watch", h.wrap("watch", h.handleWatch))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
	mux.Handle("GET /openapi.json", h.wrap("openapi", h.handleOpenAPI))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "editlock.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "editlock.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("editlock.sys", sys)),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Set(ctx, r.Header.Get(correlation.Header))
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		cid := correlation.ID(ctx)
		w.Header().Set(correlation.Header, cid)
		span.SetAttributes(attribute.String("editlock.correlation_id", cid))

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", uuidv7.NewString(),
			"method", r.Method,
			"path", r.URL.Path,
			"cid", cid,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			if errors.Is(err, context.Canceled) {
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// caller authenticates the request for a mutating operation.
func (h *Handler) caller(r *http.Request) (core.Caller, error) {
	id, ok, err := h.auth.Authenticate(r.Context(), r)
	switch {
	case errors.Is(err, identity.ErrRejected):
		return core.Caller{}, httpError{Status: http.StatusUnauthorized, Code: api.ErrCodeUnauthenticated, Detail: "credentials rejected"}
	case err != nil:
		return core.Caller{}, httpError{Status: http.StatusServiceUnavailable, Code: api.ErrCodeIdentityDown, Detail: err.Error(), RetryAfter: 1}
	case !ok:
		return core.Caller{}, httpError{Status: http.StatusUnauthorized, Code: api.ErrCodeUnauthenticated, Detail: "caller identity required"}
	}
	req, err := decodeLockRequest(r)
	if err != nil {
		return core.Caller{}, err
	}
	return core.Caller{
		ID:        id.ID,
		Name:      id.Name,
		Email:     id.Email,
		Roles:     id.Roles,
		SessionID: req.SessionID,
	}, nil
}

// decodeLockRequest reads the optional JSON body of a mutating call.
func decodeLockRequest(r *http.Request) (api.LockRequest, error) {
	var req api.LockRequest
	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyMax))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		return req, httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidBody, Detail: err.Error()}
	}
	return req, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	httpErr, ok := asHTTPError(err)
	if !ok {
		logger.Error("http.request.internal_error", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			ErrorCode: api.ErrCodeInternal,
			Detail:    "internal server error",
		}, nil)
		return
	}
	logger.Debug("http.request.failure",
		"status", httpErr.Status,
		"code", httpErr.Code,
		"detail", httpErr.Detail,
		"retry_after", httpErr.RetryAfter,
	)
	headers := map[string]string{}
	if httpErr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
	}
	if httpErr.Status == http.StatusTooManyRequests && h.qrf != nil {
		headers[headerQRFState] = h.qrf.State().String()
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		ErrorCode:         httpErr.Code,
		Detail:            httpErr.Detail,
		RetryAfterSeconds: httpErr.RetryAfter,
	}, headers)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// asHTTPError maps handler and core errors onto HTTP-aware errors.
func asHTTPError(err error) (httpError, bool) {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	if mapped, ok := transport.ToHTTP(err); ok {
		return httpError{
			Status:     mapped.Status,
			Code:       mapped.Code,
			Detail:     mapped.Detail,
			RetryAfter: mapped.RetryAfter,
		}, true
	}
	return httpError{}, false
}
