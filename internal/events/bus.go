// Package events implements a single-process typed event bus (C11). No
// library in the example pack offers in-process pub/sub without pulling
// in a message broker client (the pack's only messaging-adjacent
// dependency, bleve, is a search engine, not a broker), so this stays on
// stdlib channels, matching the donor's internal/async status-reporting
// style.
package events

import (
	"context"
	"sync"
)

// EventType names a domain event kind.
type EventType string

const (
	IndexingStarted   EventType = "indexing.started"
	IndexingProgress  EventType = "indexing.progress"
	IndexingCompleted EventType = "indexing.completed"
	IndexingFailed    EventType = "indexing.failed"
	MemoryStored      EventType = "memory.stored"
)

// Event is a single published domain event. Payload is kind-specific and
// left untyped so the bus itself stays ignorant of its subscribers'
// concerns.
type Event struct {
	Type       EventType
	Collection string
	Payload    any
}

// Bus is a single-process publish/subscribe hub. Subscribers receive
// events on a buffered channel; a slow subscriber drops events once its
// buffer fills rather than blocking the publisher, since the status
// endpoint (C6) is the durable source of truth and the bus is a
// best-effort notification path on top of it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer
// size and returns a receive channel plus an unsubscribe function. The
// channel is closed by Unsubscribe, never by the publisher.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber. Publish never
// blocks on a full subscriber channel; it drops the event for that
// subscriber instead.
func (b *Bus) Publish(_ context.Context, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close unsubscribes and closes every subscriber channel. Safe to call
// once at shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
