package lsf

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/editlock/internal/qrf"
	"pkt.systems/pslog"
)

func newTestObserver(read HostReader) (*Observer, *qrf.Controller) {
	ctrl := qrf.NewController(qrf.Config{
		Enabled:                true,
		LockSoftLimit:          10,
		LockHardLimit:          20,
		MemorySoftLimitPercent: 80,
		MemoryHardLimitPercent: 90,
		RecoverySamples:        1,
		Logger:                 pslog.NoopLogger(),
	})
	obs := NewObserverWithReader(Config{Enabled: true, SampleInterval: 10 * time.Millisecond}, ctrl, pslog.NoopLogger(), read)
	return obs, ctrl
}

func TestObserverCountsLockOps(t *testing.T) {
	obs, ctrl := newTestObserver(func(context.Context) (HostStats, error) {
		return HostStats{RSSBytes: 1 << 20, MemoryPercent: 10, Load1: 0.5}, nil
	})
	finish := obs.BeginLockOp()
	obs.sample(context.Background(), time.Now())
	if got := ctrl.Status().Snapshot.LockInflight; got != 1 {
		t.Fatalf("expected lock inflight 1, got %d", got)
	}
	finish()
	obs.sample(context.Background(), time.Now())
	snap := ctrl.Status().Snapshot
	if snap.LockInflight != 0 {
		t.Fatalf("expected zero inflight after completion, got %d", snap.LockInflight)
	}
	if snap.RSSBytes != 1<<20 || snap.SystemMemoryUsedPercent != 10 {
		t.Fatalf("host stats not forwarded: %+v", snap)
	}
}

func TestObserverEngagesOnMemoryPressure(t *testing.T) {
	obs, ctrl := newTestObserver(func(context.Context) (HostStats, error) {
		return HostStats{MemoryPercent: 95}, nil
	})
	obs.sample(context.Background(), time.Now())
	if ctrl.State() != qrf.StateEngaged {
		t.Fatalf("expected engaged, got %s", ctrl.State())
	}
}

func TestObserverToleratesReaderErrors(t *testing.T) {
	obs, ctrl := newTestObserver(func(context.Context) (HostStats, error) {
		return HostStats{}, errors.New("no procfs")
	})
	obs.sample(context.Background(), time.Now())
	snap := ctrl.Status().Snapshot
	if snap.RSSBytes == 0 {
		t.Fatal("expected runtime fallback for rss")
	}
	if ctrl.State() != qrf.StateDisengaged {
		t.Fatalf("unexpected state %s", ctrl.State())
	}
}

func TestObserverStartStop(t *testing.T) {
	obs, ctrl := newTestObserver(func(context.Context) (HostStats, error) {
		return HostStats{Load1: 1}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	obs.Start(ctx)
	obs.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Status().Snapshot.CollectedAt.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	obs.Wait()
	if ctrl.Status().Snapshot.CollectedAt.IsZero() {
		t.Fatal("expected at least one sample")
	}
}

func TestLoadBaselineMultiplier(t *testing.T) {
	obs, _ := newTestObserver(nil)
	base, mult := obs.updateLoadBaseline(2)
	if base != 2 || mult != 1 {
		t.Fatalf("first sample should seed baseline, got %v %v", base, mult)
	}
	_, mult = obs.updateLoadBaseline(4)
	if mult <= 1.5 {
		t.Fatalf("expected multiplier to rise above baseline, got %v", mult)
	}
}
