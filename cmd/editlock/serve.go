package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/editlock"
)

// serverFlags lists every server flag; each is bound to viper under its own
// name so it can come from the command line, EDITLOCK_* or the config file.
var serverFlags = []string{
	"listen", "listen-proto", "store",
	"lease-ttl", "heartbeat-interval", "max-cas-attempts", "sweeper-interval",
	"takeover-mode", "takeover-roles", "takeover-grace",
	"auth", "tokens-file", "webhook-url", "webhook-cache-ttl",
	"tls-cert", "tls-key", "client-ca", "denylist-path",
	"events", "event-buffer", "disable-watch", "watch-buffer",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
	"azure-key", "azure-sas-token", "disk-temp-retention", "postgres-max-conns",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "disable-http-tracing",
	"qrf-enabled", "qrf-lock-soft-limit", "qrf-lock-hard-limit",
	"qrf-memory-soft-limit", "qrf-memory-hard-limit",
	"qrf-memory-soft-limit-percent", "qrf-memory-hard-limit-percent",
	"qrf-load-soft-limit-multiplier", "qrf-load-hard-limit-multiplier",
	"qrf-recovery-samples", "qrf-soft-delay", "qrf-engaged-delay", "qrf-recovery-delay",
	"lsf-sample-interval", "lsf-log-interval",
	"drain-grace", "shutdown-timeout", "http2-max-concurrent-streams",
	"log-level",
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editlock server",
		Example: `
  # AWS S3 backend (credentials from the default AWS chain)
  EDITLOCK_STORE=aws://my-bucket/locks EDITLOCK_AWS_REGION=eu-north-1 editlock serve

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  editlock serve --store 's3://localhost:9000/editlock?insecure=1' --s3-access-key-id minioadmin --s3-secret-access-key minioadmin

  # PostgreSQL with events mirrored to NATS
  editlock serve --store postgres://editlock@db/editlock --events nats://nats:4222

  # Mutual TLS with identities taken from client certificates
  editlock serve --tls-cert server.pem --tls-key server.key --client-ca ca.pem --auth mtls
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cliLogger := a.subsystem("cli.serve")
			configFile, err := a.loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := a.serverConfig()
			if err != nil {
				return err
			}
			logger := a.logger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			logger.Info("welcome to editlock", "pid", os.Getpid(), "uid", os.Getuid(), "gid", os.Getgid())

			server, err := editlock.NewServer(cfg, editlock.WithLogger(logger))
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()
			select {
			case err := <-errCh:
				_ = server.Close()
				return err
			case <-ctx.Done():
			}
			cliLogger.Info("shutdown requested", "drain_grace", cfg.DrainGrace, "timeout", cfg.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	defaults := editlock.DefaultConfig()
	flags := cmd.Flags()
	flags.String("listen", defaults.Listen, "listen address (host:port or unix socket path)")
	flags.String("listen-proto", defaults.ListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", defaults.Store, "storage backend URL (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container, redis://, postgres://, sqlite:///path)")
	flags.Duration("lease-ttl", defaults.LeaseTTL, "how long a lock survives without a heartbeat")
	flags.Duration("heartbeat-interval", 0, "renewal cadence advertised to clients (0 derives it from lease-ttl)")
	flags.Int("max-cas-attempts", defaults.MaxCASAttempts, "compare-and-swap retries per request")
	flags.Duration("sweeper-interval", defaults.SweeperInterval, "interval between stale lock sweeps (negative disables)")
	flags.String("takeover-mode", defaults.TakeoverMode, "takeover policy (any, role, stale-after)")
	flags.StringSlice("takeover-roles", nil, "roles allowed to take over (role mode) or bypass the grace period (stale-after mode)")
	flags.Duration("takeover-grace", 0, "heartbeat silence after which stale-after permits a takeover")
	flags.StringSlice("auth", defaults.Auth, "identity providers in evaluation order (headers, mtls, tokens, webhook)")
	flags.String("tokens-file", "", "YAML bearer token table for the tokens provider (reloaded on change)")
	flags.String("webhook-url", "", "userinfo endpoint validating bearer tokens for the webhook provider")
	flags.Duration("webhook-cache-ttl", defaults.WebhookCacheTTL, "how long a validated bearer token is cached")
	flags.String("tls-cert", "", "server certificate PEM (enables HTTPS)")
	flags.String("tls-key", "", "server private key PEM")
	flags.String("client-ca", "", "CA PEM used to verify client certificates (enables mutual TLS)")
	flags.String("denylist-path", "", "file of revoked client certificate serials, one per line")
	flags.StringSlice("events", nil, "event sink URLs (log://, nats://, kafka://broker/topic, redis://)")
	flags.Int("event-buffer", defaults.EventBuffer, "queue depth in front of each event sink")
	flags.Bool("disable-watch", false, "disable the websocket watch endpoint")
	flags.Int("watch-buffer", defaults.WatchBuffer, "per-watcher event buffer")
	flags.Int("storage-retry-attempts", defaults.StorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", defaults.StorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", defaults.StorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", defaults.StorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or EDITLOCK_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Duration("disk-temp-retention", defaults.DiskTempRetention, "age after which orphaned temp files of disk stores are removed")
	flags.Int32("postgres-max-conns", 0, "pgx pool size for postgres:// stores (0 uses the pgx default)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the metrics endpoint")
	flags.Bool("disable-http-tracing", false, "disable otelhttp spans for handlers")
	flags.Bool("qrf-enabled", false, "enable load shedding of acquire and takeover")
	flags.Int64("qrf-lock-soft-limit", defaults.QRFLockSoftLimit, "in-flight lock operations that soft-arm load shedding")
	flags.Int64("qrf-lock-hard-limit", defaults.QRFLockHardLimit, "in-flight lock operations that engage load shedding")
	flags.String("qrf-memory-soft-limit", "", "process RSS that soft-arms load shedding (e.g. 512MB; blank disables)")
	flags.String("qrf-memory-hard-limit", "", "process RSS that engages load shedding (blank disables)")
	flags.Float64("qrf-memory-soft-limit-percent", defaults.QRFMemorySoftLimitPercent, "host memory usage percentage that soft-arms load shedding")
	flags.Float64("qrf-memory-hard-limit-percent", defaults.QRFMemoryHardLimitPercent, "host memory usage percentage that engages load shedding")
	flags.Float64("qrf-load-soft-limit-multiplier", defaults.QRFLoadSoftLimitMultiplier, "load average per CPU that soft-arms load shedding")
	flags.Float64("qrf-load-hard-limit-multiplier", defaults.QRFLoadHardLimitMultiplier, "load average per CPU that engages load shedding")
	flags.Int("qrf-recovery-samples", defaults.QRFRecoverySamples, "healthy samples before load shedding disengages")
	flags.Duration("qrf-soft-delay", defaults.QRFSoftDelay, "retry hint while soft-armed")
	flags.Duration("qrf-engaged-delay", defaults.QRFEngagedDelay, "retry hint while engaged")
	flags.Duration("qrf-recovery-delay", defaults.QRFRecoveryDelay, "retry hint while recovering")
	flags.Duration("lsf-sample-interval", defaults.LSFSampleInterval, "host pressure sampling interval")
	flags.Duration("lsf-log-interval", defaults.LSFLogInterval, "interval between host pressure logs (0 disables)")
	flags.Duration("drain-grace", defaults.DrainGrace, "how long acquisitions are refused before the listener closes (0 disables)")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "overall graceful shutdown timeout")
	flags.Uint32("http2-max-concurrent-streams", defaults.HTTP2MaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.String("log-level", "info", "server log level (trace, debug, info, warn, error)")
	for _, name := range serverFlags {
		a.bind(name, flags.Lookup(name))
	}
	return cmd
}

// serverConfig assembles an editlock.Config from viper.
func (a *app) serverConfig() (editlock.Config, error) {
	v := a.v
	cfg := editlock.Config{
		Listen:                     v.GetString("listen"),
		ListenProto:                v.GetString("listen-proto"),
		Store:                      v.GetString("store"),
		LeaseTTL:                   v.GetDuration("lease-ttl"),
		HeartbeatInterval:          v.GetDuration("heartbeat-interval"),
		MaxCASAttempts:             v.GetInt("max-cas-attempts"),
		SweeperInterval:            v.GetDuration("sweeper-interval"),
		TakeoverMode:               v.GetString("takeover-mode"),
		TakeoverRoles:              v.GetStringSlice("takeover-roles"),
		TakeoverGrace:              v.GetDuration("takeover-grace"),
		Auth:                       v.GetStringSlice("auth"),
		TokensFile:                 v.GetString("tokens-file"),
		WebhookURL:                 v.GetString("webhook-url"),
		WebhookCacheTTL:            v.GetDuration("webhook-cache-ttl"),
		TLSCertFile:                v.GetString("tls-cert"),
		TLSKeyFile:                 v.GetString("tls-key"),
		ClientCAFile:               v.GetString("client-ca"),
		DenylistPath:               v.GetString("denylist-path"),
		Events:                     v.GetStringSlice("events"),
		EventBuffer:                v.GetInt("event-buffer"),
		DisableWatch:               v.GetBool("disable-watch"),
		WatchBuffer:                v.GetInt("watch-buffer"),
		StorageRetryMaxAttempts:    v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:      v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:       v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:     v.GetFloat64("storage-retry-multiplier"),
		S3AccessKeyID:              v.GetString("s3-access-key-id"),
		S3SecretAccessKey:          v.GetString("s3-secret-access-key"),
		S3SessionToken:             v.GetString("s3-session-token"),
		AWSRegion:                  strings.TrimSpace(v.GetString("aws-region")),
		AzureAccountKey:            v.GetString("azure-key"),
		AzureSASToken:              v.GetString("azure-sas-token"),
		DiskTempRetention:          v.GetDuration("disk-temp-retention"),
		PostgresMaxConns:           v.GetInt32("postgres-max-conns"),
		OTLPEndpoint:               v.GetString("otlp-endpoint"),
		MetricsListen:              v.GetString("metrics-listen"),
		PprofListen:                v.GetString("pprof-listen"),
		EnableProfilingMetrics:     v.GetBool("enable-profiling-metrics"),
		DisableHTTPTracing:         v.GetBool("disable-http-tracing"),
		QRFEnabled:                 v.GetBool("qrf-enabled"),
		QRFLockSoftLimit:           v.GetInt64("qrf-lock-soft-limit"),
		QRFLockHardLimit:           v.GetInt64("qrf-lock-hard-limit"),
		QRFMemorySoftLimitPercent:  v.GetFloat64("qrf-memory-soft-limit-percent"),
		QRFMemoryHardLimitPercent:  v.GetFloat64("qrf-memory-hard-limit-percent"),
		QRFLoadSoftLimitMultiplier: v.GetFloat64("qrf-load-soft-limit-multiplier"),
		QRFLoadHardLimitMultiplier: v.GetFloat64("qrf-load-hard-limit-multiplier"),
		QRFRecoverySamples:         v.GetInt("qrf-recovery-samples"),
		QRFSoftDelay:               v.GetDuration("qrf-soft-delay"),
		QRFEngagedDelay:            v.GetDuration("qrf-engaged-delay"),
		QRFRecoveryDelay:           v.GetDuration("qrf-recovery-delay"),
		LSFSampleInterval:          v.GetDuration("lsf-sample-interval"),
		LSFLogInterval:             v.GetDuration("lsf-log-interval"),
		DrainGrace:                 v.GetDuration("drain-grace"),
		ShutdownTimeout:            v.GetDuration("shutdown-timeout"),
		HTTP2MaxConcurrentStreams:  v.GetUint32("http2-max-concurrent-streams"),
	}
	var err error
	if cfg.QRFMemorySoftLimitBytes, err = parseBytes("qrf-memory-soft-limit", v.GetString("qrf-memory-soft-limit")); err != nil {
		return cfg, err
	}
	if cfg.QRFMemoryHardLimitBytes, err = parseBytes("qrf-memory-hard-limit", v.GetString("qrf-memory-hard-limit")); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
