// Package events fans daemon events out to attached consumers (SSE clients,
// test probes). Subscribers are send closures keyed by a monotonically
// assigned id; a failing subscriber never disturbs the others.
package events

import (
	"log/slog"
	"sync"
)

// Event is one envelope on the wire: a type tag plus a JSON-serializable
// payload. Well-known types: state, logs, run, sdk-init, sdk-message,
// sdk-tool-start, sdk-tool-complete, sdk-complete, worker-logs, worker-sdk,
// credentials-status, reconcile.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SendFunc delivers one event to a subscriber. Errors mark delivery failure
// for that subscriber only.
type SendFunc func(Event) error

// Hub is the process-wide event fan-out.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]SendFunc
	logger *slog.Logger

	// onCount, when set, observes subscriber-count changes (metrics gauge).
	onCount func(n int)
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: map[int]SendFunc{}, logger: logger}
}

// OnSubscriberCount registers the count observer. Pass nil to clear.
func (h *Hub) OnSubscriberCount(fn func(n int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCount = fn
}

// AddSubscriber registers send and returns the subscriber id.
func (h *Hub) AddSubscriber(send SendFunc) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = send
	h.notifyCountLocked()
	return id
}

// RemoveSubscriber drops a subscriber. Unknown ids are a no-op.
func (h *Hub) RemoveSubscriber(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	h.notifyCountLocked()
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SendTo delivers one event to one subscriber. The error is the
// subscriber's, so callers can decide to drop it.
func (h *Hub) SendTo(id int, ev Event) error {
	h.mu.Lock()
	send, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return send(ev)
}

// Broadcast delivers ev to every subscriber. Per-subscriber errors are
// swallowed: a dead consumer must not stall state updates for the rest. The
// transport layer owns removal of failed subscribers.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	sends := make([]struct {
		id   int
		send SendFunc
	}, 0, len(h.subs))
	for id, send := range h.subs {
		sends = append(sends, struct {
			id   int
			send SendFunc
		}{id, send})
	}
	h.mu.Unlock()

	for _, s := range sends {
		if err := s.send(ev); err != nil {
			h.logger.Debug("subscriber send failed", "subscriber", s.id, "event", ev.Type, "err", err)
		}
	}
}

func (h *Hub) notifyCountLocked() {
	if h.onCount != nil {
		h.onCount(len(h.subs))
	}
}
