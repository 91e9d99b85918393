/*
events.go - Typed change-notification bus

PURPOSE:
  After every successful mutation the engine publishes a named event so
  dependent views (the member's schedule, the vacancy board, the admin
  balance sheet) can refresh without polling. Subscribers tolerate
  staleness; correctness never depends on delivery - the atomic store
  operations do that.

DELIVERY SEMANTICS:
  Best-effort, non-blocking. A subscriber that stops draining its channel
  loses events rather than stalling publishers. The resolution cache
  subscribes here to invalidate itself.
*/
package schedule

import (
	"sync"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventKind string

const (
	EventAssignmentChanged   EventKind = "assignment-changed"
	EventAbsenceChanged      EventKind = "absence-changed"
	EventCancellationChanged EventKind = "cancellation-changed"
	EventBookingChanged      EventKind = "booking-changed"
	EventInvoiceChanged      EventKind = "invoice-changed"
)

// Event names what changed and for whom. MemberID is empty for changes
// that affect everyone (an absence declaration).
type Event struct {
	Kind     EventKind
	MemberID MemberID
	Key      SlotKey
	At       time.Time
}

// =============================================================================
// BUS
// =============================================================================

const subscriberBuffer = 16

// Bus is an in-process publish/subscribe channel keyed by event kind.
type Bus struct {
	mu   sync.Mutex
	next int
	ids  map[EventKind]map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{ids: make(map[EventKind]map[int]chan Event)}
}

// Subscribe registers for the given kinds (all kinds when none given) and
// returns the event channel plus a cancel function. The channel is closed
// on cancel.
func (b *Bus) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	if len(kinds) == 0 {
		kinds = []EventKind{
			EventAssignmentChanged, EventAbsenceChanged,
			EventCancellationChanged, EventBookingChanged, EventInvoiceChanged,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.next++
	id := b.next

	for _, k := range kinds {
		if b.ids[k] == nil {
			b.ids[k] = make(map[int]chan Event)
		}
		b.ids[k][id] = ch
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		closed := false
		for _, k := range kinds {
			if b.ids[k][id] != nil {
				delete(b.ids[k], id)
				if !closed {
					close(ch)
					closed = true
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its kind without
// blocking. Timestamp is filled in when the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.ids[ev.Kind] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; staleness is tolerated, blocking is not.
		}
	}
}
