package core

import (
	"testing"
	"time"

	"pkt.systems/editlock/internal/storage"
)

func TestParseTakeoverMode(t *testing.T) {
	for in, want := range map[string]TakeoverMode{"": TakeoverAny, "ANY": TakeoverAny, " role ": TakeoverRole, "stale-after": TakeoverStaleAfter} {
		got, err := ParseTakeoverMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseTakeoverMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseTakeoverMode("admins"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestTakeoverPolicyValidate(t *testing.T) {
	if err := (TakeoverPolicy{Mode: TakeoverRole}).Validate(); err == nil {
		t.Fatal("role mode without roles must fail")
	}
	if err := (TakeoverPolicy{Mode: TakeoverStaleAfter}).Validate(); err == nil {
		t.Fatal("stale-after without grace must fail")
	}
	if err := (TakeoverPolicy{Mode: TakeoverStaleAfter, Grace: time.Minute}).Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
}

func TestTakeoverPolicyOwnerAlwaysAllowed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := &storage.Lock{ResourceID: "r", OwnerID: "x", AcquiredAt: now, LastHeartbeatAt: now}
	policy := TakeoverPolicy{Mode: TakeoverRole, Roles: []string{"admin"}}
	if ok, _ := policy.Allow(Caller{ID: "x"}, current, now); !ok {
		t.Fatal("owner must be allowed to take over own lock")
	}
	if ok, reason := policy.Allow(Caller{ID: "y"}, current, now); ok || reason == "" {
		t.Fatalf("expected denial with reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestInvalidPolicyFallsBackToDeny(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Takeover = TakeoverPolicy{Mode: "bogus"}
	})
	if h.svc.TakeoverPolicy().Mode != TakeoverRole {
		t.Fatalf("expected restrictive fallback, got %+v", h.svc.TakeoverPolicy())
	}
}
