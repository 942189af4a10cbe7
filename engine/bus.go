package engine

import (
	"sync"
	"time"

	"github.com/medirec/offsync/record"
)

// EventKind identifies what a bus event reports.
type EventKind string

const (
	// EventSyncCompleted carries the summary of a finished cycle.
	EventSyncCompleted EventKind = "sync_completed"

	// EventConflictDetected carries a freshly materialized conflict.
	EventConflictDetected EventKind = "conflict_detected"

	// EventEntryDead carries a journal entry that hit the retry ceiling.
	EventEntryDead EventKind = "entry_dead"

	// EventConnectivityChanged reports an online/offline transition.
	EventConnectivityChanged EventKind = "connectivity_changed"
)

// Event is published on the bus. Only the fields relevant to the kind are set.
type Event struct {
	Kind       EventKind
	Collection string
	At         time.Time

	Summary  *Summary
	Conflict *record.Conflict
	Entry    *record.JournalEntry
	Online   bool
}

// Handler processes one bus event. Handlers run on their own goroutine; a
// panicking handler never takes down the engine.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Callers must keep it to
// deregister; there is no ambient global listener state.
type Subscription struct {
	id  uint64
	bus *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.id)
	s.bus.mu.Unlock()
	s.bus = nil
}

// Bus is a publish-subscribe channel for sync status events.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe registers a handler and returns its deregistration handle.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return &Subscription{id: id, bus: b}
}

// Publish delivers the event to every handler. Handlers are copied under the
// read lock and invoked in goroutines with panic recovery.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				_ = recover()
			}()
			h(ev)
		}(h)
	}
}
