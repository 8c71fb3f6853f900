package events

import "sync"

// Hub fans out "new events committed" wakeups. A signal carries no data;
// subscribers re-read the log from their own cursor, so a coalesced or missed
// signal only delays delivery until the next one or the subscriber's ticker.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan struct{}{}}
}

// Subscribe returns a wakeup channel and a cancel func that must be called.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	if h == nil {
		return ch, func() {}
	}
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Signal never blocks.
func (h *Hub) Signal() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
