// Package stream fans committed market events out to live subscribers
// (SSE clients). It implements market.Notifier.
package stream

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"marketcore.org/internal/market"
)

var _ market.Notifier = (*Hub)(nil)

type subscriber struct {
	userID string // empty receives every event
	ch     chan market.Event
}

// Hub fan-outs events to all active subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for the events addressed to userID, or
// for every event when userID is empty. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan market.Event {
	ch := make(chan market.Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{userID: userID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Notify publishes ev. It never blocks on a slow subscriber.
func (h *Hub) Notify(_ context.Context, ev market.Event) error {
	h.Publish(ev)
	return nil
}

// Publish fan-outs the event to every matching subscriber.
func (h *Hub) Publish(ev market.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.userID != "" && !slices.Contains(ev.Recipients, sub.userID) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
