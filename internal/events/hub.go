package events

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/editlock/api"
)

// Hub delivers events to in-process subscribers such as websocket watchers.
// Slow subscribers lose events rather than stall publishers.
type Hub struct {
	mu      sync.RWMutex
	next    uint64
	subs    map[uint64]*subscriber
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	resource string
	ch       chan api.LockEvent
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers interest in resourceID, or every resource when empty.
// The returned cancel function is idempotent and closes the channel.
func (h *Hub) Subscribe(resourceID string, buffer int) (<-chan api.LockEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan api.LockEvent, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = &subscriber{resource: resourceID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Publish delivers evt to matching subscribers without blocking.
func (h *Hub) Publish(_ context.Context, evt api.LockEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.resource != "" && sub.resource != evt.ResourceID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	return nil
}
