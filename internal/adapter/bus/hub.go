// Package bus fans status events out to in-process subscribers.
//
// The hub keeps one topic per order id, created on first subscribe and
// dropped when the last subscriber leaves. Publishing to an order nobody
// watches is free.
package bus

import (
	"log/slog"
	"sync"

	"github.com/flowtrade/order-engine/internal/domain"
	"github.com/flowtrade/order-engine/internal/observability"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that cannot
// drain fast enough loses events rather than stalling the consumer loop.
const subscriberBuffer = 16

// Hub is a refcounted per-order fan-out implementing domain.EventStream.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan domain.StatusEvent]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan domain.StatusEvent]struct{})}
}

// Subscribe registers interest in one order's events. The cancel func is
// idempotent and must be called to release the subscription.
func (h *Hub) Subscribe(orderID string) (<-chan domain.StatusEvent, func()) {
	ch := make(chan domain.StatusEvent, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[orderID]
	if !ok {
		subs = make(map[chan domain.StatusEvent]struct{})
		h.topics[orderID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[orderID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.topics, orderID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its order. Slow subscribers are
// skipped; WebSocket clients recover via backfill on reconnect.
func (h *Hub) Publish(ev domain.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[ev.OrderID] {
		select {
		case ch <- ev:
		default:
			observability.BusEventsDroppedTotal.Inc()
			slog.Warn("dropping event for slow subscriber",
				slog.String("order_id", ev.OrderID),
				slog.String("status", string(ev.Status)))
		}
	}
}

// Watchers reports the subscriber count for an order.
func (h *Hub) Watchers(orderID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[orderID])
}
