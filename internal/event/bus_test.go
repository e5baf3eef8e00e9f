package event_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/pubsub"
	"github.com/zjrosen/delegate/internal/testutil"
)

func newBus(t *testing.T) (*event.Bus, func(fn func(tx *sql.Tx) error) error) {
	t.Helper()
	store := testutil.NewStore(t)
	testutil.SeedTeam(t, store, "team-1", "platform")
	return event.NewBus(store.Events), store.WithTx
}

func TestRecorder_PublishesOnlyAfterFlush(t *testing.T) {
	bus, withTx := newBus(t)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := bus.Subscribe(ctx)

	rec := bus.Recorder()
	require.NoError(t, withTx(func(tx *sql.Tx) error {
		return rec.Emit(tx, "team-1", event.KindTaskCreated, map[string]any{"task_id": 1})
	}))

	// Committed but not flushed: nothing live yet.
	select {
	case ev := <-live:
		t.Fatalf("event published before flush: %v", ev.Payload.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	rec.Flush()
	select {
	case ev := <-live:
		assert.Equal(t, event.KindTaskCreated, ev.Payload.Kind)
		assert.Equal(t, int64(1), ev.Payload.TeamSeq)
		assert.JSONEq(t, `{"task_id": 1}`, ev.Payload.Payload)
	case <-time.After(time.Second):
		t.Fatal("flushed event never arrived")
	}
}

func TestRecorder_RolledBackEventsAreDiscarded(t *testing.T) {
	bus, withTx := newBus(t)
	defer bus.Close()

	rec := bus.Recorder()
	boom := errors.New("boom")
	err := withTx(func(tx *sql.Tx) error {
		if err := rec.Emit(tx, "team-1", event.KindTaskCreated, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The durable log kept nothing; dropping the recorder without Flush
	// mirrors the rollback.
	events, err := bus.Replay("team-1", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestBus_ReplayAndLatestSeq(t *testing.T) {
	bus, withTx := newBus(t)
	defer bus.Close()

	rec := bus.Recorder()
	require.NoError(t, withTx(func(tx *sql.Tx) error {
		for _, kind := range []string{event.KindTaskCreated, event.KindTaskStatus, event.KindMessageSent} {
			if err := rec.Emit(tx, "team-1", kind, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	rec.Flush()

	events, err := bus.Replay("team-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindTaskStatus, events[0].Kind)
	assert.Equal(t, int64(2), events[0].TeamSeq)

	latest, err := bus.LatestSeq("team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestBus_SubscribeSeesLiveEvents(t *testing.T) {
	bus, withTx := newBus(t)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := bus.Subscribe(ctx)

	rec := bus.Recorder()
	require.NoError(t, withTx(func(tx *sql.Tx) error {
		return rec.Emit(tx, "team-1", event.KindTurnStarted, map[string]any{"agent": "dev"})
	}))
	rec.Flush()

	var got pubsub.Event[domain.Event]
	select {
	case got = <-live:
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
	assert.Equal(t, "team-1", got.Payload.TeamID)
	assert.Equal(t, event.KindTurnStarted, got.Payload.Kind)
}
