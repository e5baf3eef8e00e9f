package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx := context.Background()
	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)

	b.Publish(CreatedEvent, "hello")

	for _, sub := range []<-chan Event[string]{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, CreatedEvent, ev.Type)
			assert.Equal(t, "hello", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBroker_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	sub := b.Subscribe(context.Background())
	_, ok := <-sub
	assert.False(t, ok)
}

func TestBroker_CancelledContextRemovesSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := <-sub
	assert.False(t, ok)
}

func TestBroker_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	sub := b.Subscribe(context.Background())
	b.Publish(CreatedEvent, 1)
	b.Publish(CreatedEvent, 2) // dropped, buffer is full

	ev := <-sub
	assert.Equal(t, 1, ev.Payload)
	select {
	case extra := <-sub:
		t.Fatalf("expected second event dropped, got %v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := NewBroker[int]()
	b.Close()
	b.Close()
	b.Publish(CreatedEvent, 1) // no panic after close
}
