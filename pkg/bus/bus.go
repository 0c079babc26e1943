package bus

import (
	"sync"
	"time"
)

// TypeWhatsAppStatus is the event type pushed on every messaging channel
// state transition.
const TypeWhatsAppStatus = "wa_status"

// Event is a channel-state notification fanned out to all observers.
type Event struct {
	Type   string    `json:"type"`
	Status string    `json:"status"`
	QR     string    `json:"qr,omitempty"`    // QR challenge as PNG data URI
	QRSVG  string    `json:"qrSvg,omitempty"` // inline SVG rendering of the same challenge
	Time   time.Time `json:"time"`
}

// StatusBus broadcasts channel state events to subscribed observers.
// Delivery is best-effort: a slow observer drops events rather than blocking
// the publisher. Late subscribers do not get a replay and are expected to
// reconcile via GET /status.
type StatusBus struct {
	mu        sync.RWMutex
	observers []chan Event
}

func New() *StatusBus {
	return &StatusBus{observers: make([]chan Event, 0)}
}

// Subscribe returns a channel that receives copies of all published events.
func (b *StatusBus) Subscribe() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.observers = append(b.observers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel and closes it.
func (b *StatusBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, obs := range b.observers {
		if obs == ch {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *StatusBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, obs := range b.observers {
		select {
		case obs <- event:
		default:
			// Non-blocking: skip slow observers
		}
	}
}
