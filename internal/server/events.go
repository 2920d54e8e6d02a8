package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the ledger entry points. Events carry ids and
// department hashes only, never record cleartext or disclosed values.
const (
	EventSubmitted              = "submitted"
	EventRevealRequested        = "reveal_requested"
	EventRevealed               = "revealed"
	EventDepartmentAggregated   = "department_aggregated"
	EventAggregateRevealRequest = "aggregate_reveal_requested"
	EventAggregateDisclosed     = "aggregate_disclosed"
)

// Event is one ledger lifecycle notification.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Time           time.Time `json:"time"`
	RecordID       uint64    `json:"record_id,omitempty"`
	RequestID      uint64    `json:"request_id,omitempty"`
	DepartmentHash string    `json:"department_hash,omitempty"`
}

func newEvent(eventType string) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: eventType,
		Time: time.Now().UTC(),
	}
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind starts losing events.
const subscriberBuffer = 16

// Hub fans ledger events out to subscribers. Publish never blocks; a
// full subscriber channel drops the event for that subscriber.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

// NewHub creates an event hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uint64]chan Event),
		nextID:      1,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed on Unsubscribe.
func (h *Hub) Subscribe() (uint64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Publish delivers an event to every subscriber that can accept it.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
