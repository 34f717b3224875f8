package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/editlock"
	"pkt.systems/editlock/client"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage editlock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.editlock/" + editlock.DefaultConfigFileName
	if dir, err := editlock.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, editlock.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default editlock configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := editlock.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, editlock.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the serve flags; keys are the flag names so viper
// reads the file without a translation table.
type configDefaults struct {
	Listen                     string         `yaml:"listen"`
	ListenProto                string         `yaml:"listen-proto"`
	Store                      string         `yaml:"store"`
	LeaseTTL                   string         `yaml:"lease-ttl"`
	HeartbeatInterval          string         `yaml:"heartbeat-interval"`
	MaxCASAttempts             int            `yaml:"max-cas-attempts"`
	SweeperInterval            string         `yaml:"sweeper-interval"`
	TakeoverMode               string         `yaml:"takeover-mode"`
	TakeoverRoles              []string       `yaml:"takeover-roles"`
	TakeoverGrace              string         `yaml:"takeover-grace"`
	Auth                       []string       `yaml:"auth"`
	TokensFile                 string         `yaml:"tokens-file"`
	WebhookURL                 string         `yaml:"webhook-url"`
	WebhookCacheTTL            string         `yaml:"webhook-cache-ttl"`
	TLSCert                    string         `yaml:"tls-cert"`
	TLSKey                     string         `yaml:"tls-key"`
	ClientCA                   string         `yaml:"client-ca"`
	DenylistPath               string         `yaml:"denylist-path"`
	Events                     []string       `yaml:"events"`
	EventBuffer                int            `yaml:"event-buffer"`
	DisableWatch               bool           `yaml:"disable-watch"`
	WatchBuffer                int            `yaml:"watch-buffer"`
	StorageRetryMaxAttempts    int            `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay      string         `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string         `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier     float64        `yaml:"storage-retry-multiplier"`
	AWSRegion                  string         `yaml:"aws-region"`
	DiskTempRetention          string         `yaml:"disk-temp-retention"`
	PostgresMaxConns           int32          `yaml:"postgres-max-conns"`
	OTLPEndpoint               string         `yaml:"otlp-endpoint"`
	MetricsListen              string         `yaml:"metrics-listen"`
	PprofListen                string         `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool           `yaml:"enable-profiling-metrics"`
	DisableHTTPTracing         bool           `yaml:"disable-http-tracing"`
	QRFEnabled                 bool           `yaml:"qrf-enabled"`
	QRFLockSoftLimit           int64          `yaml:"qrf-lock-soft-limit"`
	QRFLockHardLimit           int64          `yaml:"qrf-lock-hard-limit"`
	QRFMemorySoftLimit         string         `yaml:"qrf-memory-soft-limit"`
	QRFMemoryHardLimit         string         `yaml:"qrf-memory-hard-limit"`
	QRFMemorySoftLimitPercent  float64        `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardLimitPercent  float64        `yaml:"qrf-memory-hard-limit-percent"`
	QRFLoadSoftLimitMultiplier float64        `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardLimitMultiplier float64        `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples         int            `yaml:"qrf-recovery-samples"`
	QRFSoftDelay               string         `yaml:"qrf-soft-delay"`
	QRFEngagedDelay            string         `yaml:"qrf-engaged-delay"`
	QRFRecoveryDelay           string         `yaml:"qrf-recovery-delay"`
	LSFSampleInterval          string         `yaml:"lsf-sample-interval"`
	LSFLogInterval             string         `yaml:"lsf-log-interval"`
	DrainGrace                 string         `yaml:"drain-grace"`
	ShutdownTimeout            string         `yaml:"shutdown-timeout"`
	HTTP2MaxConcurrentStreams  uint32         `yaml:"http2-max-concurrent-streams"`
	LogLevel                   string         `yaml:"log-level"`
	Client                     clientDefaults `yaml:"client"`
}

type clientDefaults struct {
	Server            string `yaml:"server"`
	Bundle            string `yaml:"bundle"`
	User              string `yaml:"user"`
	Name              string `yaml:"name"`
	Email             string `yaml:"email"`
	Output            string `yaml:"output"`
	Timeout           string `yaml:"timeout"`
	Retries           int    `yaml:"retries"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	LogLevel          string `yaml:"log_level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := editlock.DefaultConfig()
	defaults := configDefaults{
		Listen:                     cfg.Listen,
		ListenProto:                cfg.ListenProto,
		Store:                      cfg.Store,
		LeaseTTL:                   cfg.LeaseTTL.String(),
		HeartbeatInterval:          cfg.HeartbeatInterval.String(),
		MaxCASAttempts:             cfg.MaxCASAttempts,
		SweeperInterval:            cfg.SweeperInterval.String(),
		TakeoverMode:               cfg.TakeoverMode,
		TakeoverRoles:              []string{},
		TakeoverGrace:              "0s",
		Auth:                       cfg.Auth,
		WebhookCacheTTL:            cfg.WebhookCacheTTL.String(),
		Events:                     []string{},
		EventBuffer:                cfg.EventBuffer,
		WatchBuffer:                cfg.WatchBuffer,
		StorageRetryMaxAttempts:    cfg.StorageRetryMaxAttempts,
		StorageRetryBaseDelay:      cfg.StorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       cfg.StorageRetryMaxDelay.String(),
		StorageRetryMultiplier:     cfg.StorageRetryMultiplier,
		DiskTempRetention:          cfg.DiskTempRetention.String(),
		QRFLockSoftLimit:           cfg.QRFLockSoftLimit,
		QRFLockHardLimit:           cfg.QRFLockHardLimit,
		QRFMemorySoftLimitPercent:  cfg.QRFMemorySoftLimitPercent,
		QRFMemoryHardLimitPercent:  cfg.QRFMemoryHardLimitPercent,
		QRFLoadSoftLimitMultiplier: cfg.QRFLoadSoftLimitMultiplier,
		QRFLoadHardLimitMultiplier: cfg.QRFLoadHardLimitMultiplier,
		QRFRecoverySamples:         cfg.QRFRecoverySamples,
		QRFSoftDelay:               cfg.QRFSoftDelay.String(),
		QRFEngagedDelay:            cfg.QRFEngagedDelay.String(),
		QRFRecoveryDelay:           cfg.QRFRecoveryDelay.String(),
		LSFSampleInterval:          cfg.LSFSampleInterval.String(),
		LSFLogInterval:             cfg.LSFLogInterval.String(),
		DrainGrace:                 cfg.DrainGrace.String(),
		ShutdownTimeout:            cfg.ShutdownTimeout.String(),
		HTTP2MaxConcurrentStreams:  cfg.HTTP2MaxConcurrentStreams,
		LogLevel:                   "info",
		Client: clientDefaults{
			Server:            defaultClientServer,
			Output:            "text",
			Timeout:           client.DefaultHTTPTimeout.String(),
			Retries:           client.DefaultFailureRetries,
			HeartbeatInterval: "0s",
			LogLevel:          "none",
		},
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
