package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/pslog"
)

// WebhookConfig configures the userinfo webhook provider.
type WebhookConfig struct {
	// URL receives GET requests carrying the caller's bearer token and
	// answers 200 with an Identity JSON body, or 401/403.
	URL string
	// CacheTTL bounds how long a validated token is trusted without asking
	// again. Zero disables caching.
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Webhook validates bearer tokens against a userinfo endpoint.
type Webhook struct {
	url    string
	ttl    time.Duration
	client *http.Client
	cache  *ristretto.Cache
	logger pslog.Logger
}

// NewWebhook builds the provider.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("identity: webhook url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	w := &Webhook{
		url:    cfg.URL,
		ttl:    cfg.CacheTTL,
		client: client,
		logger: svcfields.WithSubsystem(logger, "identity.webhook"),
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("identity: webhook cache: %w", err)
		}
		w.cache = cache
	}
	return w, nil
}

// Authenticate implements Authenticator. A token the webhook refuses yields
// ErrRejected.
func (w *Webhook) Authenticate(ctx context.Context, r *http.Request) (Identity, bool, error) {
	token, ok := BearerToken(r)
	if !ok {
		return Identity{}, false, nil
	}
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if w.cache != nil {
		if v, found := w.cache.Get(key); found {
			if id, ok := v.(Identity); ok {
				return id, true, nil
			}
		}
	}
	id, err := w.lookup(ctx, token)
	if err != nil {
		return Identity{}, false, err
	}
	if w.cache != nil {
		w.cache.SetWithTTL(key, id, 1, w.ttl)
	}
	return id, true, nil
}

func (w *Webhook) lookup(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, http.NoBody)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: webhook request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("identity.webhook.unreachable", "url", w.url, "error", err)
		return Identity{}, fmt.Errorf("identity: webhook: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, ErrRejected
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("identity: webhook returned %s", resp.Status)
	}
	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("identity: decode webhook response: %w", err)
	}
	if id.ID == "" {
		return Identity{}, ErrRejected
	}
	return id, nil
}

// Close releases the cache.
func (w *Webhook) Close() {
	if w.cache != nil {
		w.cache.Close()
	}
}

// wait blocks until buffered cache writes are applied.
func (w *Webhook) wait() {
	if w.cache != nil {
		w.cache.Wait()
	}
}
