// Package event couples the durable event log to the live fan-out.
// Every state change a client might observe is appended inside the same
// transaction as the DB write that caused it, then published to live
// subscribers after commit. Late subscribers replay from the log before
// switching to tailing, so no sequence gap is ever visible.
package event

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/pubsub"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
)

// Event kinds. The set is the wire contract with the browser UI.
const (
	KindTaskCreated     = "task_created"
	KindTaskUpdated     = "task_updated"
	KindTaskAssigned    = "task_assigned"
	KindTaskStatus      = "task_status"
	KindTaskCancelled   = "task_cancelled"
	KindMessageSent     = "message_sent"
	KindTurnStarted     = "turn_started"
	KindTurnCompleted   = "turn_completed"
	KindTurnFailed      = "turn_failed"
	KindTurnText        = "turn_text"
	KindMergeStarted    = "merge_started"
	KindMergeCompleted  = "merge_completed"
	KindMergeFailed     = "merge_failed"
	KindReviewCreated   = "review_created"
	KindSandboxDenial   = "sandbox_denial"
	KindSessionRotated  = "session_rotated"
	KindSessionWarning  = "session_warning"
	KindTeamCreated     = "team_created"
	KindTeamDeleted     = "team_deleted"
	KindWorktreeCreated = "worktree_created"
	KindWorktreeRemoved = "worktree_removed"
)

// Bus is the single owner of the event log and the live broker.
type Bus struct {
	repo   *sqlite.EventRepository
	broker *pubsub.Broker[domain.Event]
}

// NewBus creates a bus over the store's event repository.
func NewBus(repo *sqlite.EventRepository) *Bus {
	return &Bus{
		repo:   repo,
		broker: pubsub.NewBrokerWithBuffer[domain.Event](256),
	}
}

// Recorder accumulates events emitted during one transaction and
// publishes them to live subscribers only after the transaction
// commits. Dropping an uncommitted recorder discards its events,
// matching the rollback of the rows they described.
type Recorder struct {
	bus         *Bus
	events      []domain.Event
	afterCommit []func()
}

// Recorder returns a fresh per-transaction recorder.
func (b *Bus) Recorder() *Recorder {
	return &Recorder{bus: b}
}

// Emit appends one event to the durable log inside tx and stages it for
// post-commit publication. payload is marshalled to JSON; a nil payload
// becomes {}.
func (r *Recorder) Emit(tx *sql.Tx, teamID, kind string, payload any) error {
	body := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(data)
	}
	ev, err := r.bus.repo.Append(tx, teamID, kind, body)
	if err != nil {
		return err
	}
	r.events = append(r.events, *ev)
	return nil
}

// AfterCommit stages a side effect that must not apply unless the
// transaction commits, such as widening a live sandbox config. Like
// staged events, deferred effects are discarded with the recorder on
// rollback.
func (r *Recorder) AfterCommit(fn func()) {
	r.afterCommit = append(r.afterCommit, fn)
}

// Flush publishes the staged events and runs deferred effects. Call
// only after the transaction committed.
func (r *Recorder) Flush() {
	for _, ev := range r.events {
		r.bus.broker.Publish(pubsub.CreatedEvent, ev)
		log.Debug(log.CatBus, "event published", "team", ev.TeamID, "kind", ev.Kind, "seq", ev.TeamSeq)
	}
	r.events = nil
	for _, fn := range r.afterCommit {
		fn()
	}
	r.afterCommit = nil
}

// Subscribe returns a live event channel closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[domain.Event] {
	return b.broker.Subscribe(ctx)
}

// Replay returns a team's persisted events with team_seq > afterSeq.
func (b *Bus) Replay(teamID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	return b.repo.ListSince(teamID, afterSeq, limit)
}

// LatestSeq returns the team's current high-water mark.
func (b *Bus) LatestSeq(teamID string) (int64, error) {
	return b.repo.LatestSeq(teamID)
}

// Close shuts down the live broker.
func (b *Bus) Close() {
	b.broker.Close()
}
