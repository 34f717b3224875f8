package editlock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/editlock/internal/core"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9443"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultLeaseTTL is how long a lock survives without a heartbeat.
	DefaultLeaseTTL = core.DefaultLeaseTTL
	// DefaultHeartbeatInterval is the cadence clients are told to renew at.
	DefaultHeartbeatInterval = core.DefaultHeartbeatInterval
	// DefaultMaxCASAttempts bounds internal compare-and-swap retries per call.
	DefaultMaxCASAttempts = core.DefaultMaxCASAttempts
	// DefaultSweeperInterval sets how often stale records are deleted.
	DefaultSweeperInterval = 5 * time.Minute
	// DefaultTakeoverMode lets any authenticated caller take over.
	DefaultTakeoverMode = string(core.TakeoverAny)
	// DefaultAuth trusts proxy identity headers.
	DefaultAuth = "headers"
	// DefaultWebhookCacheTTL bounds how long a validated bearer token is cached.
	DefaultWebhookCacheTTL = 60 * time.Second
	// DefaultEventBuffer is the async event queue depth per external sink.
	DefaultEventBuffer = 1024
	// DefaultWatchBuffer is the per-watcher event buffer.
	DefaultWatchBuffer = 32
	// DefaultDrainGrace is how long new acquisitions are refused before the
	// HTTP server stops.
	DefaultDrainGrace = 5 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultMaxConcurrentStreams sets the HTTP/2 stream ceiling.
	DefaultMaxConcurrentStreams = 256
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 1 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultDiskTempRetention controls how long orphaned temp files survive.
	DefaultDiskTempRetention = 10 * time.Minute
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultQRFLockSoftLimit soft-arms the controller at this many in-flight lock operations.
	DefaultQRFLockSoftLimit = 512
	// DefaultQRFLockHardLimit engages the controller at this many in-flight lock operations.
	DefaultQRFLockHardLimit = 1024
	// DefaultQRFMemorySoftLimitPercent applies a soft guardrail on host memory usage.
	DefaultQRFMemorySoftLimitPercent = 80.0
	// DefaultQRFMemoryHardLimitPercent applies a hard guardrail on host memory usage.
	DefaultQRFMemoryHardLimitPercent = 90.0
	// DefaultQRFLoadSoftLimitMultiplier is the load-average multiplier that soft-arms the controller.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier is the load-average multiplier that engages the controller.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples is how many healthy samples disengage the controller.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFSoftDelay is the retry hint while soft-armed.
	DefaultQRFSoftDelay = 250 * time.Millisecond
	// DefaultQRFEngagedDelay is the retry hint while engaged.
	DefaultQRFEngagedDelay = 2 * time.Second
	// DefaultQRFRecoveryDelay is the retry hint while recovering.
	DefaultQRFRecoveryDelay = 500 * time.Millisecond
	// DefaultLSFSampleInterval configures how frequently host pressure is sampled.
	DefaultLSFSampleInterval = 500 * time.Millisecond
	// DefaultLSFLogInterval controls how often samples are logged; 0 disables.
	DefaultLSFLogInterval = time.Minute
)

// Auth provider names accepted in Config.Auth.
const (
	AuthHeaders = "headers"
	AuthMTLS    = "mtls"
	AuthTokens  = "tokens"
	AuthWebhook = "webhook"
)

// Config captures the tunables of an editlock server.
type Config struct {
	// Listen is the server bind address (for example ":9443").
	Listen string
	// ListenProto selects listener type ("tcp" or "unix").
	ListenProto string
	// Store is the backend DSN (mem://, disk://, s3://, aws://, azure://,
	// redis://, postgres://, sqlite://).
	Store string

	// LeaseTTL is how long a lock survives without a heartbeat.
	LeaseTTL time.Duration
	// HeartbeatInterval is the renewal cadence advertised to clients.
	HeartbeatInterval time.Duration
	// MaxCASAttempts bounds internal compare-and-swap retries.
	MaxCASAttempts int
	// SweeperInterval controls how often stale records are deleted; negative disables.
	SweeperInterval time.Duration

	// TakeoverMode is one of any, role, stale-after.
	TakeoverMode string
	// TakeoverRoles lists roles allowed to take over (role and stale-after modes).
	TakeoverRoles []string
	// TakeoverGrace is the heartbeat silence after which stale-after permits a takeover.
	TakeoverGrace time.Duration

	// Auth lists identity providers in evaluation order (headers, mtls, tokens, webhook).
	Auth []string
	// TokensFile is the YAML token table used by the tokens provider.
	TokensFile string
	// WebhookURL validates bearer tokens for the webhook provider.
	WebhookURL string
	// WebhookCacheTTL bounds how long a validated token is cached.
	WebhookCacheTTL time.Duration

	// TLSCertFile and TLSKeyFile enable HTTPS.
	TLSCertFile string
	TLSKeyFile  string
	// ClientCAFile enables mutual TLS when set.
	ClientCAFile string
	// DenylistPath lists revoked client certificate serials, one per line.
	DenylistPath string

	// Events lists sink URLs lock events are published to (log://,
	// nats://, kafka://, redis://).
	Events []string
	// EventBuffer is the async queue depth in front of each external sink.
	EventBuffer int
	// DisableWatch turns off the websocket watch endpoint.
	DisableWatch bool
	// WatchBuffer is the per-watcher event buffer.
	WatchBuffer int

	// StorageRetryMaxAttempts describes how many transient storage errors are retried.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay configures the base delay between storage retries.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps the backoff between storage retries.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier defines the exponential backoff ratio.
	StorageRetryMultiplier float64

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion applies to aws:// stores when the URL omits ?region=.
	AWSRegion string
	// AzureAccountKey and AzureSASToken authenticate azure:// stores.
	AzureAccountKey string
	AzureSASToken   string
	// DiskTempRetention controls how long orphaned temp files survive on disk stores.
	DiskTempRetention time.Duration
	// PostgresMaxConns caps the pgx pool size.
	PostgresMaxConns int32

	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// MetricsListen exposes Prometheus metrics; empty disables.
	MetricsListen string
	// PprofListen exposes net/http/pprof; empty disables.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// DisableHTTPTracing disables otelhttp spans for handlers.
	DisableHTTPTracing bool

	// QRFEnabled turns on load shedding.
	QRFEnabled                 bool
	QRFLockSoftLimit           int64
	QRFLockHardLimit           int64
	QRFMemorySoftLimitBytes    uint64
	QRFMemoryHardLimitBytes    uint64
	QRFMemorySoftLimitPercent  float64
	QRFMemoryHardLimitPercent  float64
	QRFLoadSoftLimitMultiplier float64
	QRFLoadHardLimitMultiplier float64
	QRFRecoverySamples         int
	QRFSoftDelay               time.Duration
	QRFEngagedDelay            time.Duration
	QRFRecoveryDelay           time.Duration
	// LSFSampleInterval configures how frequently host pressure is sampled.
	LSFSampleInterval time.Duration
	// LSFLogInterval controls how often samples are logged; 0 disables.
	LSFLogInterval time.Duration

	// DrainGrace is how long acquisitions are refused before the HTTP server stops.
	DrainGrace time.Duration
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration
	// HTTP2MaxConcurrentStreams sets the HTTP/2 stream ceiling.
	HTTP2MaxConcurrentStreams uint32
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{DrainGrace: DefaultDrainGrace, LSFLogInterval: DefaultLSFLogInterval}
	_ = cfg.Validate()
	return cfg
}

// TLSEnabled reports whether the server terminates TLS.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" || c.TLSKeyFile != ""
}

// MTLSEnabled reports whether client certificates are required.
func (c Config) MTLSEnabled() bool {
	return c.ClientCAFile != ""
}

// TakeoverPolicy converts the takeover settings into a core policy.
func (c Config) TakeoverPolicy() (core.TakeoverPolicy, error) {
	mode, err := core.ParseTakeoverMode(c.TakeoverMode)
	if err != nil {
		return core.TakeoverPolicy{}, err
	}
	policy := core.TakeoverPolicy{Mode: mode, Roles: append([]string(nil), c.TakeoverRoles...), Grace: c.TakeoverGrace}
	if err := policy.Validate(); err != nil {
		return core.TakeoverPolicy{}, err
	}
	return policy, nil
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	} else if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be > 0")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
		if c.HeartbeatInterval >= c.LeaseTTL {
			c.HeartbeatInterval = c.LeaseTTL / 2
		}
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		return fmt.Errorf("config: heartbeat interval must be > 0 and < lease ttl (%s)", c.LeaseTTL)
	}
	if c.MaxCASAttempts == 0 {
		c.MaxCASAttempts = DefaultMaxCASAttempts
	} else if c.MaxCASAttempts < 0 {
		return fmt.Errorf("config: max cas attempts must be > 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.TakeoverMode == "" {
		c.TakeoverMode = DefaultTakeoverMode
	}
	if _, err := c.TakeoverPolicy(); err != nil {
		return fmt.Errorf("config: takeover: %w", err)
	}
	if len(c.Auth) == 0 {
		c.Auth = []string{DefaultAuth}
	}
	for i, provider := range c.Auth {
		provider = strings.ToLower(strings.TrimSpace(provider))
		c.Auth[i] = provider
		switch provider {
		case AuthHeaders:
		case AuthMTLS:
			if !c.MTLSEnabled() {
				return fmt.Errorf("config: mtls auth requires a client ca file")
			}
		case AuthTokens:
			if c.TokensFile == "" {
				return fmt.Errorf("config: tokens auth requires a tokens file")
			}
		case AuthWebhook:
			if c.WebhookURL == "" {
				return fmt.Errorf("config: webhook auth requires a webhook url")
			}
		default:
			return fmt.Errorf("config: unknown auth provider %q (options: headers, mtls, tokens, webhook)", provider)
		}
	}
	if c.WebhookCacheTTL == 0 {
		c.WebhookCacheTTL = DefaultWebhookCacheTTL
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls cert and key must be set together")
	}
	if c.MTLSEnabled() && !c.TLSEnabled() {
		return fmt.Errorf("config: client ca requires tls cert and key")
	}
	for _, raw := range c.Events {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("config: event sink %q: %w", raw, err)
		}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.WatchBuffer <= 0 {
		c.WatchBuffer = DefaultWatchBuffer
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.DiskTempRetention <= 0 {
		c.DiskTempRetention = DefaultDiskTempRetention
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.QRFLockSoftLimit <= 0 {
		c.QRFLockSoftLimit = DefaultQRFLockSoftLimit
	}
	if c.QRFLockHardLimit <= 0 {
		c.QRFLockHardLimit = DefaultQRFLockHardLimit
	}
	if c.QRFLockHardLimit < c.QRFLockSoftLimit {
		return fmt.Errorf("config: qrf lock hard limit must be >= soft limit")
	}
	if c.QRFMemoryHardLimitBytes > 0 && c.QRFMemorySoftLimitBytes > c.QRFMemoryHardLimitBytes {
		return fmt.Errorf("config: qrf memory hard limit must be >= soft limit")
	}
	if c.QRFMemorySoftLimitPercent <= 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent <= 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFLoadSoftLimitMultiplier <= 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier <= 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFSoftDelay <= 0 {
		c.QRFSoftDelay = DefaultQRFSoftDelay
	}
	if c.QRFEngagedDelay <= 0 {
		c.QRFEngagedDelay = DefaultQRFEngagedDelay
	}
	if c.QRFRecoveryDelay <= 0 {
		c.QRFRecoveryDelay = DefaultQRFRecoveryDelay
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval < 0 {
		return fmt.Errorf("config: lsf log interval must be >= 0")
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	return nil
}

// DefaultConfigDir returns $EDITLOCK_CONFIG_DIR or ~/.editlock.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("EDITLOCK_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".editlock"), nil
}
