package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Broker fans events out to any number of subscribers. Delivery is
// best-effort: a subscriber that stops draining its channel loses events
// rather than stalling publishers, which matters because the daemon's
// scheduler loop publishes from its hot path.
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event[T]
	nextID  uint64
	closed  bool
	bufSize int
	dropped atomic.Int64
}

// NewBroker returns a broker whose subscriber channels buffer 64 events.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer returns a broker with the given per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:    make(map[uint64]chan Event[T]),
		bufSize: size,
	}
}

// Subscribe registers a new subscriber. The returned channel closes when ctx
// is cancelled or the broker shuts down; subscribing to a closed broker
// yields an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event[T])
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	sub := make(chan Event[T], b.bufSize)
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}()

	return sub
}

// Publish delivers the event to every subscriber that has buffer room.
// Subscribers with full buffers are skipped and counted in Dropped.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	ev := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the broker down and closes every subscriber channel. Safe to
// call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}
