package clock_test

import (
	"testing"
	"time"

	"pkt.systems/editlock/internal/clock"
)

func TestRealNowUsesUTCMilliseconds(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if now.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("expected millisecond resolution, got %v", now)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	m := clock.NewManual(start)
	early := m.After(10 * time.Second)
	late := m.After(30 * time.Second)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}
	m.Advance(10 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	m.Set(start.Add(time.Minute))
	select {
	case <-late:
	default:
		t.Fatal("expected late timer to fire after Set")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.After(time.Second)
	}()
	if !m.BlockUntil(1, time.Second) {
		t.Fatal("expected timer registration to be observed")
	}
	if m.BlockUntil(2, 20*time.Millisecond) {
		t.Fatal("expected BlockUntil to time out")
	}
}
