package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/pslog"
)

type recordingSink struct {
	mu     sync.Mutex
	events []api.LockEvent
	err    error
	block  chan struct{}
	closed bool
}

func (r *recordingSink) Publish(_ context.Context, evt api.LockEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sampleEvent(resource string) api.LockEvent {
	lock := &api.Lock{ResourceID: resource, OwnerID: "x"}
	return New(api.EventAcquired, resource, lock, nil, "x", time.Unix(1700000000, 0).UTC())
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := sampleEvent("page:home")
	b := sampleEvent("page:home")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected unique ids, got %q and %q", a.ID, b.ID)
	}
}

func TestMultiPublishesToAllSinks(t *testing.T) {
	first := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	multi := NewMulti(first, nil, failing)
	if multi.Len() != 2 {
		t.Fatalf("expected nil sinks skipped, got %d", multi.Len())
	}
	err := multi.Publish(context.Background(), sampleEvent("page:home"))
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if first.count() != 1 || failing.count() != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
	if err := multi.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.closed || !failing.closed {
		t.Fatal("expected sinks closed")
	}
}

func TestAsyncDeliversAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	async := NewAsync(sink, 8, pslog.NoopLogger())
	for i := 0; i < 5; i++ {
		if err := async.Publish(context.Background(), sampleEvent("page:home")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 5 {
		t.Fatalf("expected 5 delivered events, got %d", sink.count())
	}
	if err := async.Publish(context.Background(), sampleEvent("page:home")); err == nil {
		t.Fatal("expected error publishing after close")
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	async := NewAsync(sink, 1, pslog.NoopLogger())
	for i := 0; i < 10; i++ {
		_ = async.Publish(context.Background(), sampleEvent("page:home"))
	}
	if async.Dropped() == 0 {
		t.Fatal("expected dropped events with a blocked sink")
	}
	close(sink.block)
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestHubFiltersByResource(t *testing.T) {
	hub := NewHub()
	home, cancelHome := hub.Subscribe("page:home", 4)
	all, cancelAll := hub.Subscribe("", 4)
	defer cancelAll()

	_ = hub.Publish(context.Background(), sampleEvent("page:about"))
	_ = hub.Publish(context.Background(), sampleEvent("page:home"))

	select {
	case evt := <-home:
		if evt.ResourceID != "page:home" {
			t.Fatalf("unexpected event for filtered subscriber: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filtered event")
	}
	if len(all) != 2 {
		t.Fatalf("expected wildcard subscriber to see 2 events, got %d", len(all))
	}
	cancelHome()
	cancelHome()
	if _, ok := <-home; ok {
		t.Fatal("expected channel closed after cancel")
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("", 1)
	defer cancel()
	_ = hub.Publish(context.Background(), sampleEvent("a"))
	_ = hub.Publish(context.Background(), sampleEvent("a"))
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", hub.Dropped())
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("", 1)
	_ = hub.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	cancel()
	late, _ := hub.Subscribe("", 1)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(pslog.NoopLogger())
	evt := sampleEvent("page:home")
	evt.Previous = &api.Lock{OwnerID: "y"}
	if err := sink.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
