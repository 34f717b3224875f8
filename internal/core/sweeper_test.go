package core

import (
	"context"
	"testing"
	"time"

	"pkt.systems/editlock/api"
)

func TestSweepRemovesOnlyStaleLocks(t *testing.T) {
	h := newHarness(t, nil)
	h.acquire(t, "page:old", user("x"))
	h.at(40)
	h.acquire(t, "page:new", user("y"))

	h.at(61)
	removed, err := h.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	ids, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "page:new" {
		t.Fatalf("unexpected remaining ids %v", ids)
	}
	last := h.pub.events[len(h.pub.events)-1]
	if last.Type != api.EventExpired || last.ResourceID != "page:old" || last.Previous == nil || last.Previous.OwnerID != "x" {
		t.Fatalf("unexpected expired event %+v", last)
	}
}

func TestRunSweeperUsesClock(t *testing.T) {
	h := newHarness(t, nil)
	h.acquire(t, "page:old", user("x"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.RunSweeper(ctx, 30*time.Second)
		close(done)
	}()
	if !h.clock.BlockUntil(1, time.Second) {
		t.Fatal("sweeper did not wait on the clock")
	}
	h.clock.Advance(90 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for {
		ids, _ := h.store.List(context.Background())
		if len(ids) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale lock not swept: %v", ids)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
