// Package realtime fans task mutation events out to connected subscribers.
package realtime

import (
	"sync"

	"tasktrack/api/internal/store"
)

type EventType string

const (
	EventTaskCreated  EventType = "task_created"
	EventTaskUpdated  EventType = "task_updated"
	EventTaskDeleted  EventType = "task_deleted"
	EventTaskUnshared EventType = "task_unshared"
)

// Event is the wire message delivered to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data Payload   `json:"data"`
}

// Payload carries the affected entity and the acting user. Created/updated
// events carry the full task; deleted/unshared events carry ids only.
type Payload struct {
	Task       *store.Task `json:"task,omitempty"`
	TaskID     string      `json:"taskId,omitempty"`
	UserID     string      `json:"userId"`
	UnsharedBy string      `json:"unsharedBy,omitempty"`
}

const subscriberBuffer = 16

// Hub owns the registry of live subscribers. Construct one at startup and
// pass it by reference; there is no package-level instance. Delivery is
// unscoped: every open subscriber receives every event and clients filter by
// visibility themselves.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber receives events on a buffered channel. A subscriber that stops
// draining loses events rather than blocking the broadcast.
type Subscriber struct {
	events chan Event
}

// Events is the stream of broadcasts since the subscription was created.
// The channel is closed on Unsubscribe and on hub shutdown.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.events)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.events)
}

// Broadcast delivers the event to every currently registered subscriber.
// Registration and delivery share the hub lock, so a subscriber is never
// half-removed when a send happens.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			// full buffer: drop for this subscriber
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes and closes every subscriber; later Subscribe calls return an
// already-closed subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.events)
	}
}
