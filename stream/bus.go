// Package stream implements the in-process pub/sub fan-out used to push node
// and job updates to SSE subscribers. Delivery is at-most-once, best-effort,
// in publish order per subscriber; consumers reconcile against the REST
// endpoints if they miss events.
package stream

import "sync"

// DefaultQueueDepth bounds each subscriber's pending events. A subscriber
// that falls this far behind starts losing events rather than stalling
// publishers.
const DefaultQueueDepth = 256

// Bus is a fan-out of events of type T to a dynamic set of subscribers. The
// zero value is not usable; construct with NewBus.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[chan T]struct{}),
	}
}

// Subscribe registers a new subscriber queue and returns its channel. The
// caller must eventually Unsubscribe it.
func (b *Bus[T]) Subscribe() <-chan T {
	ch := make(chan T, DefaultQueueDepth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber queue. Safe to call with a
// channel that was already removed.
func (b *Bus[T]) Unsubscribe(ch <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if (<-chan T)(sub) == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// Publish enqueues the event to every current subscriber. It never blocks on
// a slow subscriber: when a queue is full the event is dropped for that
// subscriber only.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
