package qrf

import (
	"testing"
	"time"

	"pkt.systems/pslog"
)

func newTestController() *Controller {
	return NewController(Config{
		Enabled:         true,
		LockSoftLimit:   10,
		LockHardLimit:   20,
		RecoverySamples: 2,
		SoftDelay:       500 * time.Millisecond,
		EngagedDelay:    2500 * time.Millisecond,
		RecoveryDelay:   time.Second,
		Logger:          pslog.NoopLogger(),
	})
}

func TestControllerEngageAndRecover(t *testing.T) {
	ctrl := newTestController()

	ctrl.Observe(Snapshot{LockInflight: 25, CollectedAt: time.Now()})
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected %s, got %s", StateEngaged, got)
	}
	ctrl.Observe(Snapshot{LockInflight: 2})
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("expected engaged until recovery threshold, got %s", got)
	}
	ctrl.Observe(Snapshot{LockInflight: 1})
	if got := ctrl.State(); got != StateRecovery {
		t.Fatalf("expected recovery, got %s", got)
	}
	ctrl.Observe(Snapshot{LockInflight: 0})
	if got := ctrl.State(); got != StateRecovery {
		t.Fatalf("expected recovery to persist until second healthy sample, got %s", got)
	}
	ctrl.Observe(Snapshot{LockInflight: 0})
	if got := ctrl.State(); got != StateDisengaged {
		t.Fatalf("expected disengaged after sustained health, got %s", got)
	}
}

func TestSoftArmDoesNotDowngradeEngaged(t *testing.T) {
	ctrl := newTestController()
	ctrl.Observe(Snapshot{LockInflight: 20})
	ctrl.Observe(Snapshot{LockInflight: 12})
	if got := ctrl.State(); got != StateEngaged {
		t.Fatalf("soft breach must keep engaged, got %s", got)
	}
}

func TestDecideShedsOnlyMutations(t *testing.T) {
	ctrl := newTestController()
	if d := ctrl.Decide(KindMutate); d.Throttle {
		t.Fatalf("disengaged controller must not shed: %+v", d)
	}
	ctrl.Observe(Snapshot{LockInflight: 30})
	if d := ctrl.Decide(KindRead); d.Throttle {
		t.Fatalf("reads must never be shed: %+v", d)
	}
	d := ctrl.Decide(KindMutate)
	if !d.Throttle || d.State != StateEngaged || d.Reason != "lock_inflight_hard" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if got := d.RetryAfterSeconds(); got != 3 {
		t.Fatalf("retry after = %d, want 3", got)
	}
}

func TestMemoryAndLoadBreaches(t *testing.T) {
	ctrl := NewController(Config{
		Enabled:                 true,
		MemorySoftLimitPercent:  80,
		MemoryHardLimitPercent:  90,
		LoadSoftLimitMultiplier: 4,
		LoadHardLimitMultiplier: 8,
		Logger:                  pslog.NoopLogger(),
	})
	ctrl.Observe(Snapshot{SystemMemoryUsedPercent: 85})
	if st := ctrl.Status(); st.State != StateSoftArm || st.Reason != "memory_soft" {
		t.Fatalf("unexpected status %+v", st)
	}
	ctrl.Observe(Snapshot{Load1Multiplier: 9})
	if st := ctrl.Status(); st.State != StateEngaged || st.Reason != "load_hard" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDisabledControllerIgnoresSamples(t *testing.T) {
	ctrl := NewController(Config{LockHardLimit: 1, Logger: pslog.NoopLogger()})
	ctrl.Observe(Snapshot{LockInflight: 100})
	if ctrl.State() != StateDisengaged {
		t.Fatal("disabled controller must stay disengaged")
	}
	if ctrl.Decide(KindMutate).Throttle {
		t.Fatal("disabled controller must not shed")
	}
	var nilCtrl *Controller
	if nilCtrl.Enabled() {
		t.Fatal("nil controller reports enabled")
	}
}

func TestRetryAfterMinimum(t *testing.T) {
	if got := (Decision{Delay: 10 * time.Millisecond}).RetryAfterSeconds(); got != 1 {
		t.Fatalf("retry after = %d, want 1", got)
	}
}
