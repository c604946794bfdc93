package events

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/google/uuid"
)

// Handler processes events as they are recorded.
type Handler func(locker.Event)

// Filter decides whether an event reaches a handler.
type Filter func(locker.Event) bool

// RingBuffer is a thread-safe circular buffer of recent events that also
// notifies subscribers.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []locker.Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
	now      func() time.Time
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Emitter = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding the last size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]locker.Event, size),
		size:   size,
		now:    time.Now,
	}
}

// Emit records event, stamping an id and timestamp when missing, and
// notifies handlers outside the lock.
func (rb *RingBuffer) Emit(_ context.Context, event locker.Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = rb.now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events and returns its unsubscribe func.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []locker.Event {
	return rb.recent(n, nil)
}

// RecentByKind returns up to n events of one kind, newest first.
func (rb *RingBuffer) RecentByKind(kind string, n int) []locker.Event {
	return rb.recent(n, func(e locker.Event) bool { return e.Kind == kind })
}

// RecentByAccount returns up to n events about one account, newest first.
func (rb *RingBuffer) RecentByAccount(accountID string, n int) []locker.Event {
	return rb.recent(n, func(e locker.Event) bool { return e.Data.AccountID == accountID })
}

func (rb *RingBuffer) recent(n int, keep Filter) []locker.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	result := make([]locker.Event, 0, min(n, rb.count))
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
