package editlock

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/editlock/internal/core"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.ListenProto != DefaultListenProto || cfg.Store != DefaultStore {
		t.Fatalf("unexpected listener/store defaults: %q %q %q", cfg.Listen, cfg.ListenProto, cfg.Store)
	}
	if cfg.LeaseTTL != 60*time.Second || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("unexpected lease defaults: ttl=%s heartbeat=%s", cfg.LeaseTTL, cfg.HeartbeatInterval)
	}
	if cfg.MaxCASAttempts != DefaultMaxCASAttempts || cfg.SweeperInterval != DefaultSweeperInterval {
		t.Fatalf("unexpected cas/sweeper defaults: %d %s", cfg.MaxCASAttempts, cfg.SweeperInterval)
	}
	if len(cfg.Auth) != 1 || cfg.Auth[0] != AuthHeaders {
		t.Fatalf("expected headers auth by default, got %v", cfg.Auth)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("unexpected http2 streams %d", cfg.HTTP2MaxConcurrentStreams)
	}
	policy, err := cfg.TakeoverPolicy()
	if err != nil {
		t.Fatalf("takeover policy: %v", err)
	}
	if policy.Mode != core.TakeoverAny {
		t.Fatalf("expected takeover any by default, got %q", policy.Mode)
	}
	if cfg.DrainGrace != 0 {
		t.Fatalf("zero drain grace must be preserved, got %s", cfg.DrainGrace)
	}
}

func TestDefaultConfigDrainsAndLogsSamples(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DrainGrace != DefaultDrainGrace {
		t.Fatalf("expected default drain grace, got %s", cfg.DrainGrace)
	}
	if cfg.LSFLogInterval != DefaultLSFLogInterval {
		t.Fatalf("expected default lsf log interval, got %s", cfg.LSFLogInterval)
	}
}

func TestConfigShortTTLDerivesHeartbeat(t *testing.T) {
	cfg := Config{LeaseTTL: 20 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected heartbeat derived from ttl, got %s", cfg.HeartbeatInterval)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"listen proto":       {ListenProto: "udp"},
		"heartbeat interval": {LeaseTTL: time.Minute, HeartbeatInterval: time.Minute},
		"negative ttl":       {LeaseTTL: -time.Second},
		"takeover":           {TakeoverMode: "sometimes"},
		"unknown auth":       {Auth: []string{"kerberos"}},
		"mtls auth":          {Auth: []string{"mtls"}},
		"tokens auth":        {Auth: []string{"tokens"}},
		"webhook auth":       {Auth: []string{"webhook"}},
		"tls cert":           {TLSCertFile: "server.pem"},
		"client ca":          {ClientCAFile: "ca.pem"},
		"profiling metrics":  {EnableProfilingMetrics: true},
		"qrf limits":         {QRFLockSoftLimit: 10, QRFLockHardLimit: 5},
		"drain grace":        {DrainGrace: -time.Second},
		"retry delays":       {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
	}
	for name, cfg := range cases {
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.HasPrefix(err.Error(), "config:") {
			t.Fatalf("%s: expected config: prefix, got %q", name, err)
		}
	}
}

func TestConfigAuthNormalized(t *testing.T) {
	cfg := Config{Auth: []string{" Headers ", "TOKENS"}, TokensFile: "tokens.yaml"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Auth[0] != AuthHeaders || cfg.Auth[1] != AuthTokens {
		t.Fatalf("expected normalized providers, got %v", cfg.Auth)
	}
}

func TestConfigTakeoverRolePolicy(t *testing.T) {
	cfg := Config{TakeoverMode: "stale-after", TakeoverGrace: 20 * time.Second, TakeoverRoles: []string{"admin"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	policy, err := cfg.TakeoverPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Mode != core.TakeoverStaleAfter || policy.Grace != 20*time.Second || len(policy.Roles) != 1 {
		t.Fatalf("unexpected policy %+v", policy)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EDITLOCK_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
