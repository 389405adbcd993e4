// Package eventbus implements the in-process pub/sub broadcast channel
// (C4): every subscriber gets its own bounded outbound queue, and a slow
// subscriber can never stall the publisher or other subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kestrelrelay/relayd/internal/protocol"
)

const defaultCapacity = 256

// Subscription is an independent outbound queue of protocol.Event. Events
// is closed when the subscription is cancelled via Unsubscribe.
type Subscription struct {
	ID      string
	Kind    string
	Events  <-chan protocol.Event
	dropped *atomic.Int64
}

// Dropped returns the number of events silently evicted for this
// subscriber because its queue was full (boundary case from §8: the
// subscriber keeps its connection and this counter becomes non-zero).
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

type subscriber struct {
	id      string
	kind    string
	ch      chan protocol.Event
	dropped *atomic.Int64
}

// DropObserver is notified whenever a subscriber's queue evicts an event.
// cmd/relayd wires this to observability so a slow client shows up in
// /metrics as well as on its own connection.
type DropObserver func(subscriberKind string)

// Bus is the Event Bus. Publish never blocks on a slow subscriber: a full
// subscriber queue drops its oldest entry to make room for the new one.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	capacity    int
	onDrop      DropObserver
}

func New(capacity int, onDrop DropObserver) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		capacity:    capacity,
		onDrop:      onDrop,
	}
}

// Subscribe registers a new subscriber and returns its Subscription plus an
// unsubscribe function. kind labels the subscriber for metrics (e.g.
// "watch", "phone", "dashboard", "viewer").
func (b *Bus) Subscribe(kind string) (*Subscription, func()) {
	id := uuid.NewString()
	ch := make(chan protocol.Event, b.capacity)
	sub := &subscriber{id: id, kind: kind, ch: ch, dropped: &atomic.Int64{}}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	handle := &Subscription{ID: id, Kind: kind, Events: ch, dropped: sub.dropped}

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing.ch)
		}
		b.mu.Unlock()
	}
	return handle, unsubscribe
}

// Publish delivers event to every current subscriber. Delivery is
// non-blocking per subscriber: if a subscriber's queue is full, its oldest
// queued event is dropped to make room, and its drop counter increments.
// Per-subscriber FIFO order is preserved; no ordering is promised across
// subscribers.
func (b *Bus) Publish(event protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub *subscriber, event protocol.Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue is full: evict the oldest entry, then retry once. Another
	// publisher could race us for the freed slot, so loop rather than
	// assuming a single eviction suffices under concurrent publish.
	for {
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.kind)
			}
		default:
			return
		}
		select {
		case sub.ch <- event:
			return
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DroppedFor returns the live drop counter for a given subscription id, or
// 0 if the subscription no longer exists.
func (b *Bus) DroppedFor(id string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subscribers[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}
