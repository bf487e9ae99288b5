// Package events is the in-process notification bus between the sync engine
// and its observers (read models, the WebSocket feed, the daemon).
//
// Publishers never hold references to subscribers. A panicking subscriber is
// logged and skipped so one broken observer cannot stop a drain.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// Type identifies what happened.
type Type string

const (
	// MutationApplied: the backend accepted a queued mutation and the
	// confirmed local transition was written.
	MutationApplied Type = "mutation_applied"
	// AssignmentCreated: an offline-created assignment was registered.
	AssignmentCreated Type = "assignment_created"
	// Conflict: the backend rejected a stale version; the item was dropped.
	Conflict Type = "conflict"
	// Retrying: a transient failure; the item will be attempted again.
	Retrying Type = "retrying"
	// Exhausted: the retry budget is spent; the item is parked as failed.
	Exhausted Type = "exhausted"
	// Discarded: the backend refused the mutation for good (403, 422).
	Discarded Type = "discarded"
	// DrainCompleted: a drain pass finished.
	DrainCompleted Type = "drain_completed"
	// SyncCompleted: a delta or full sync of an activity finished.
	SyncCompleted Type = "sync_completed"
)

// Reason says why an item failed. It is set on Conflict, Discarded,
// Retrying and Exhausted events.
type Reason string

const (
	ReasonConflict     Reason = "conflict"
	ReasonForbidden    Reason = "forbidden"
	ReasonRejected     Reason = "rejected"
	ReasonNotFound     Reason = "not_found"
	ReasonMalformed    Reason = "malformed"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonUnreachable  Reason = "unreachable"
	ReasonServer       Reason = "server"
	ReasonLocal        Reason = "local"
)

// Event is one notification. Fields not relevant to the type are zero.
type Event struct {
	Type         Type                       `json:"type"`
	At           time.Time                  `json:"at"`
	ItemID       int64                      `json:"item_id,omitempty"`
	MutationType schema.MutationType        `json:"mutation_type,omitempty"`
	AssignmentID string                     `json:"assignment_id,omitempty"`
	ActivityID   string                     `json:"activity_id,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Reason       Reason                     `json:"reason,omitempty"`
	Assignment   *schema.Assignment         `json:"assignment,omitempty"`
	Response     *schema.AssignmentResponse `json:"response,omitempty"`
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	order    []int
	nextID   int
	logger   logrus.FieldLogger
}

// NewBus creates a bus. A nil logger discards subscriber panics silently.
func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to every subscriber. At defaults to now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("event", e.Type).Errorf("event subscriber panicked: %v", r)
		}
	}()
	h(e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
