package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

type subscription struct {
	vaultID string
}

// Hub is an in-memory broadcaster. Slow subscribers lose events rather
// than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscription
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscription{}}
}

// Subscribe registers a channel. A non-empty vaultID limits delivery to
// events for that vault.
func (h *Hub) Subscribe(buffer int, vaultID string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscription{vaultID: vaultID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		if sub.vaultID != "" && evt.VaultID != "" && sub.vaultID != evt.VaultID {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Notify(_ context.Context, evt Event) error {
	h.Publish(evt)
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
