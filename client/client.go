package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/internal/version"
)

const (
	// DefaultHTTPTimeout bounds a single request attempt.
	DefaultHTTPTimeout = 5 * time.Second
	// DefaultFailureRetries is the number of extra attempts made after a
	// transport failure.
	DefaultFailureRetries = 3
	// DefaultRetryDelay is the initial backoff between transport retries.
	DefaultRetryDelay = 10 * time.Millisecond
	// DefaultHeartbeatInterval is how often sessions renew a held lock.
	DefaultHeartbeatInterval = 30 * time.Second

	maxRetryDelay = 500 * time.Millisecond
	maxBodyBytes  = 1 << 20
)

// Identity is forwarded as trusted identity headers. Only useful when the
// server authenticates with the headers authenticator behind a proxy.
type Identity struct {
	ID    string
	Name  string
	Email string
	Roles []string
}

// Client talks to an editlock server.
type Client struct {
	baseURL           string
	httpClient        *http.Client
	dialContext       func(ctx context.Context, network, addr string) (net.Conn, error)
	logger            pslog.Base
	httpTimeout       time.Duration
	failureRetries    int
	retryDelay        time.Duration
	heartbeatInterval time.Duration
	heartbeatSet      bool
	identity          *Identity
	bearerToken       string
	clock             clock.Clock
	customHTTPClient  bool
}

// Option customises client behaviour.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client, e.g. one configured for mTLS.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
			c.customHTTPClient = true
		}
	}
}

// WithLogger attaches a logger. Nil disables logging.
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout bounds each request attempt. Zero or negative disables the
// per-attempt timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// WithFailureRetries sets how many times a transport failure is retried.
// Server answers, including errors, are never retried.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.failureRetries = n
	}
}

// WithRetryDelay sets the initial backoff between transport retries. The
// delay doubles per attempt up to 500ms.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d < 0 {
			d = 0
		}
		c.retryDelay = d
	}
}

// WithIdentity sends the X-Editlock-User-* headers on every request.
func WithIdentity(id Identity) Option {
	return func(c *Client) {
		c.identity = &id
	}
}

// WithBearerToken sends an Authorization: Bearer header on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = strings.TrimSpace(token)
	}
}

// WithHeartbeatInterval sets how often sessions renew held locks. The
// interval the server advertises still wins when it is shorter.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeatInterval = d
			c.heartbeatSet = true
		}
	}
}

// WithClock injects the time source used by session heartbeat timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New constructs a client for baseURL (http, https or unix scheme).
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout:       DefaultHTTPTimeout,
		failureRetries:    DefaultFailureRetries,
		retryDelay:        DefaultRetryDelay,
		heartbeatInterval: DefaultHeartbeatInterval,
		logger:            pslog.NoopLogger(),
		clock:             clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient, dial, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	c.baseURL = base
	c.dialContext = dial
	if !c.customHTTPClient {
		c.httpClient = httpClient
	}
	return c, nil
}

// HeartbeatInterval returns the configured session heartbeat interval. A
// lease advertised by the server may shorten it per lock.
func (c *Client) HeartbeatInterval() time.Duration {
	return c.heartbeatInterval
}

// BaseURL returns the normalised server address requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Check reports whether resourceID is currently locked and by whom.
func (c *Client) Check(ctx context.Context, resourceID string) (*api.CheckResponse, error) {
	var out api.CheckResponse
	if err := c.do(ctx, "check", http.MethodGet, lockPath(resourceID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Acquire tries to take the lock. A conflict is reported as Success=false
// with the current holder in Lock, not as an error.
func (c *Client) Acquire(ctx context.Context, resourceID, sessionID string) (*api.AcquireResponse, error) {
	var out api.AcquireResponse
	if err := c.do(ctx, "acquire", http.MethodPost, lockPath(resourceID, "acquire"), lockRequest(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat renews a held lock. Success=false means the caller is no longer
// the owner.
func (c *Client) Heartbeat(ctx context.Context, resourceID, sessionID string) (*api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	if err := c.do(ctx, "heartbeat", http.MethodPost, lockPath(resourceID, "heartbeat"), lockRequest(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release drops the lock if the caller owns it. Releasing a lock held by
// someone else, or no lock at all, succeeds without effect.
func (c *Client) Release(ctx context.Context, resourceID, sessionID string) (*api.ReleaseResponse, error) {
	var out api.ReleaseResponse
	if err := c.do(ctx, "release", http.MethodPost, lockPath(resourceID, "release"), lockRequest(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Takeover replaces the current holder with the caller, subject to the
// server's takeover policy.
func (c *Client) Takeover(ctx context.Context, resourceID, sessionID string) (*api.TakeoverResponse, error) {
	var out api.TakeoverResponse
	if err := c.do(ctx, "takeover", http.MethodPost, lockPath(resourceID, "takeover"), lockRequest(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns every lock that is currently held and not stale.
func (c *Client) List(ctx context.Context) (*api.ListResponse, error) {
	var out api.ListResponse
	if err := c.do(ctx, "list", http.MethodGet, "/locks", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls /healthz.
func (c *Client) Health(ctx context.Context) error {
	var out api.HealthResponse
	return c.do(ctx, "health", http.MethodGet, "/healthz", nil, &out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}
	retries := c.failureRetries
	delay := c.retryDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			c.logger.Trace("client."+op+".success", "path", path)
			return nil
		}
		if retries == 0 || !isTransportError(err) || ctx.Err() != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				c.logger.Debug("client."+op+".error", "path", path, "status", apiErr.Status, "code", apiErr.Code())
			} else {
				c.logger.Error("client."+op+".transport_error", "path", path, "error", err)
			}
			return err
		}
		retries--
		c.logger.Warn("client."+op+".retry", "path", path, "error", err, "retries_left", retries)
		sleep := delay
		if sleep > maxRetryDelay {
			sleep = maxRetryDelay
		}
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(ctx, req.Header)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) applyHeaders(ctx context.Context, h http.Header) {
	h.Set("User-Agent", version.UserAgent())
	if c.bearerToken != "" {
		h.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if id := c.identity; id != nil {
		h.Set(api.HeaderUserID, id.ID)
		if id.Name != "" {
			h.Set(api.HeaderUserName, id.Name)
		}
		if id.Email != "" {
			h.Set(api.HeaderUserEmail, id.Email)
		}
		if len(id.Roles) > 0 {
			h.Set(api.HeaderUserRoles, strings.Join(id.Roles, ","))
		}
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		h.Set(correlation.Header, cid)
	}
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

// renewInterval picks the session heartbeat cadence for a lease: the
// advertised interval unless a shorter one was configured, and always
// below the lease TTL.
func (c *Client) renewInterval(lease *api.Lease) time.Duration {
	d := c.heartbeatInterval
	if adv := lease.HeartbeatInterval(); adv > 0 && (!c.heartbeatSet || adv < d) {
		d = adv
	}
	if ttl := lease.TTL(); ttl > 0 && d >= ttl {
		d = ttl / 2
	}
	return d
}

func lockPath(resourceID, action string) string {
	path := "/locks/" + url.PathEscape(resourceID)
	if action != "" {
		path += "/" + action
	}
	return path
}

func lockRequest(sessionID string) any {
	if sessionID == "" {
		return nil
	}
	return api.LockRequest{SessionID: sessionID}
}

func buildHTTPClient(rawBase string) (*http.Client, func(context.Context, string, string) (net.Conn, error), string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, nil, "", fmt.Errorf("baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, "", fmt.Errorf("unsupported baseURL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, nil, "", fmt.Errorf("baseURL missing host")
	}
	return &http.Client{}, nil, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, func(context.Context, string, string) (net.Conn, error), string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		if socketPath == "" || socketPath == "/" {
			socketPath = "/" + u.Host
		} else {
			socketPath = "/" + u.Host + socketPath
		}
	}
	if socketPath == "" {
		return nil, nil, "", fmt.Errorf("unix baseURL missing socket path")
	}
	dialer := &net.Dialer{Timeout: DefaultHTTPTimeout, KeepAlive: 15 * time.Second}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dial
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, dial, "http://unix", nil
}
