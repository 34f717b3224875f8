// Package events fans lock state changes out to in-process watchers and
// external sinks.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/internal/uuidv7"
	"pkt.systems/pslog"
)

// Publisher accepts lock events.
type Publisher interface {
	Publish(ctx context.Context, evt api.LockEvent) error
}

// Sink is a Publisher that owns resources.
type Sink interface {
	Publisher
	Close() error
}

// New stamps an event with a fresh id.
func New(kind, resourceID string, lock, previous *api.Lock, actor string, at time.Time) api.LockEvent {
	return api.LockEvent{
		ID:         uuidv7.NewString(),
		Type:       kind,
		ResourceID: resourceID,
		Lock:       lock,
		Previous:   previous,
		Actor:      actor,
		At:         at,
	}
}

// Multi publishes every event to all sinks concurrently.
type Multi struct {
	sinks []Sink
}

// NewMulti combines sinks. Nil entries are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Publish delivers evt to every sink and returns the first error.
func (m *Multi) Publish(ctx context.Context, evt api.LockEvent) error {
	var g errgroup.Group
	for _, s := range m.sinks {
		g.Go(func() error { return s.Publish(ctx, evt) })
	}
	return g.Wait()
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async queues events for a slow sink so publishers never block on it.
// Events are dropped when the queue is full.
type Async struct {
	sink    Sink
	logger  pslog.Logger
	timeout time.Duration
	queue   chan api.LockEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts the delivery goroutine for sink.
func NewAsync(sink Sink, buffer int, logger pslog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	a := &Async{
		sink:    sink,
		logger:  svcfields.WithSubsystem(logger, "events.async"),
		timeout: 5 * time.Second,
		queue:   make(chan api.LockEvent, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues evt without blocking.
func (a *Async) Publish(_ context.Context, evt api.LockEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("events: sink closed")
	}
	select {
	case a.queue <- evt:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("events.dropped", "type", evt.Type, "resource", evt.ResourceID, "dropped_total", n)
	}
	return nil
}

// Dropped returns the number of events discarded because the queue was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for evt := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Publish(ctx, evt); err != nil {
			a.logger.Warn("events.publish_failed", "type", evt.Type, "resource", evt.ResourceID, "error", err)
		}
		cancel()
	}
}

// Close drains the queue and closes the sink.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
	return a.sink.Close()
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger pslog.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger pslog.Logger) *LogSink {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &LogSink{logger: svcfields.WithSubsystem(logger, "events.log")}
}

// Publish logs evt.
func (s *LogSink) Publish(_ context.Context, evt api.LockEvent) error {
	fields := []any{"event_id", evt.ID, "type", evt.Type, "resource", evt.ResourceID}
	if evt.Lock != nil {
		fields = append(fields, "owner", evt.Lock.OwnerID)
	}
	if evt.Previous != nil {
		fields = append(fields, "previous_owner", evt.Previous.OwnerID)
	}
	if evt.Actor != "" {
		fields = append(fields, "actor", evt.Actor)
	}
	s.logger.Info("lock.event", fields...)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
