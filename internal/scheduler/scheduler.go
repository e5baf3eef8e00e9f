// Package scheduler drives agent turns. A fixed-interval tick scans
// every team's unread mail, groups it into per-recipient turn batches,
// and runs at most one turn per agent at a time on a bounded worker
// pool. The scheduler is the only code that consumes mailboxes.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/delegate/internal/config"
	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/modelsession"
	"github.com/zjrosen/delegate/internal/sandbox"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
	"github.com/zjrosen/delegate/internal/workflow"
)

// Dispatchers hands out the per-agent tool server handle.
type Dispatchers interface {
	For(team *domain.Team, agent *domain.Agent) modelsession.ToolDispatcher
}

type agentKey struct {
	teamID string
	agent  string
}

type backoffState struct {
	next  time.Time
	delay time.Duration
}

// Scheduler owns the tick loop.
type Scheduler struct {
	cfg       *config.Config
	store     *sqlite.Store
	bus       *event.Bus
	engine    *workflow.Engine
	sessions  *modelsession.Manager
	sandboxes *sandbox.Registry
	tools     Dispatchers
	allowlist func() []string

	sem chan struct{}

	mu       sync.Mutex
	inflight map[agentKey]context.CancelFunc
	backoffs map[agentKey]backoffState
	nudges   map[agentKey]int
}

// New creates a scheduler. allowlist supplies the current network
// allowlist for sandbox configs created on first contact.
func New(cfg *config.Config, store *sqlite.Store, bus *event.Bus, engine *workflow.Engine,
	sessions *modelsession.Manager, sandboxes *sandbox.Registry, tools Dispatchers,
	allowlist func() []string) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		engine:    engine,
		sessions:  sessions,
		sandboxes: sandboxes,
		tools:     tools,
		allowlist: allowlist,
		sem:       make(chan struct{}, cfg.WorkerPool),
		inflight:  make(map[agentKey]context.CancelFunc),
		backoffs:  make(map[agentKey]backoffState),
		nudges:    make(map[agentKey]int),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick does one scan over every team.
func (s *Scheduler) tick(ctx context.Context) {
	teams, err := s.store.Teams.List()
	if err != nil {
		log.ErrorErr(log.CatSched, "team scan failed", err)
		return
	}
	for _, team := range teams {
		s.engine.RetryGated(ctx, team.ID)
		s.scanTeam(ctx, team)
	}
}

func (s *Scheduler) scanTeam(ctx context.Context, team *domain.Team) {
	byRecipient, err := s.store.Messages.UnreadByRecipient(team.ID)
	if err != nil {
		log.ErrorErr(log.CatSched, "mailbox scan failed", err, "team", team.Name)
		return
	}
	now := time.Now()
	for recipient, msgs := range byRecipient {
		// Humans read through the HTTP API; their mailboxes are never
		// consumed by turns.
		if strings.HasPrefix(recipient, domain.HumanSenderPrefix) {
			continue
		}
		key := agentKey{teamID: team.ID, agent: recipient}

		s.mu.Lock()
		_, busy := s.inflight[key]
		bo, throttled := s.backoffs[key]
		if busy || (throttled && now.Before(bo.next)) {
			s.mu.Unlock()
			continue
		}
		batch := turnBatch(msgs)
		turnCtx, cancel := context.WithCancel(ctx)
		s.inflight[key] = cancel
		s.mu.Unlock()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.finish(key)
			return
		}
		log.SafeGo("agent turn", func() {
			defer func() { <-s.sem }()
			defer s.finish(key)
			s.runTurn(turnCtx, team, recipient, batch)
		})
	}
}

// finish clears the in-flight marker and cancel func.
func (s *Scheduler) finish(key agentKey) {
	s.mu.Lock()
	if cancel, ok := s.inflight[key]; ok {
		cancel()
		delete(s.inflight, key)
	}
	s.mu.Unlock()
}

// CancelTurn interrupts an agent's in-flight turn, if any. Used by task
// cancellation to stop the assignee cooperatively.
func (s *Scheduler) CancelTurn(teamID, agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inflight[agentKey{teamID: teamID, agent: agent}]; ok {
		cancel()
		log.Info(log.CatSched, "turn cancelled", "team", teamID, "agent", agent)
	}
}

// turnBatch selects the prefix of msgs (already id-ordered) forming one
// turn. A human-sent message opens an exclusive batch: only consecutive
// messages from that same human join it, so replies are unambiguously
// attributable. Agent mail batches until the first human message.
func turnBatch(msgs []*domain.Message) []*domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	if msgs[0].FromHuman() {
		sender := msgs[0].Sender
		end := 1
		for end < len(msgs) && msgs[end].Sender == sender {
			end++
		}
		return msgs[:end]
	}
	end := 1
	for end < len(msgs) && !msgs[end].FromHuman() {
		end++
	}
	return msgs[:end]
}

// runTurn executes one batched turn for an agent.
func (s *Scheduler) runTurn(ctx context.Context, team *domain.Team, agentName string, batch []*domain.Message) {
	agent, err := s.store.Agents.Get(team.ID, agentName)
	if err != nil {
		// Mail addressed to nobody: consume it so the tick loop does
		// not spin on it forever.
		log.Warn(log.CatSched, "mail for unknown recipient", "team", team.Name, "recipient", agentName)
		_ = s.store.WithTx(func(tx *sql.Tx) error {
			return s.store.Messages.MarkRead(tx, messageIDs(batch))
		})
		return
	}

	key := agentKey{teamID: team.ID, agent: agentName}
	sbx := s.sandboxes.Get(team.ID, agent.Name, agent.Role, s.allowlist())
	dispatcher := s.tools.For(team, agent)
	model := agent.Model
	if model == "" {
		model = s.cfg.Models.ModelForRole(string(agent.Role))
	}

	if _, err := s.sessions.Acquire(team.ID, agent.Name, model, systemPrompt(team, agent), dispatcher, sbx); err != nil {
		log.ErrorErr(log.CatSched, "session acquire failed", err, "agent", agent.Name)
		return
	}

	ids := messageIDs(batch)
	rec := s.bus.Recorder()
	err = s.store.WithTx(func(tx *sql.Tx) error {
		if err := s.store.Messages.MarkRead(tx, ids); err != nil {
			return err
		}
		return rec.Emit(tx, team.ID, event.KindTurnStarted, map[string]any{
			"agent": agent.Name, "messages": ids,
		})
	})
	if err != nil {
		log.ErrorErr(log.CatSched, "turn bookkeeping failed", err, "agent", agent.Name)
		return
	}
	rec.Flush()

	emit := func(seq int, text string) {
		s.emitNow(team.ID, event.KindTurnText, map[string]any{
			"agent": agent.Name, "seq": seq, "text": text,
		})
	}

	result, cost, err := s.sessions.RunTurn(ctx, team.ID, agent.Name, renderPrompt(batch), emit)
	_ = s.store.Agents.RecordHeartbeat(team.ID, agent.Name, time.Now())

	switch {
	case errors.Is(err, modelsession.ErrRateLimited):
		s.requeue(key, team, agent.Name, ids)
	case err != nil:
		log.ErrorErr(log.CatSched, "turn failed", err, "team", team.Name, "agent", agent.Name)
		s.emitNow(team.ID, event.KindTurnFailed, map[string]any{
			"agent": agent.Name, "error": err.Error(),
		})
	default:
		s.clearBackoff(key)
		if err := s.store.AddUsage(team.ID, agent.Name,
			result.Usage.InputTokens, result.Usage.OutputTokens, cost); err != nil {
			log.ErrorErr(log.CatSched, "usage record failed", err, "agent", agent.Name)
		}
		s.emitNow(team.ID, event.KindTurnCompleted, map[string]any{
			"agent":             agent.Name,
			"input_tokens":      result.Usage.InputTokens,
			"output_tokens":     result.Usage.OutputTokens,
			"cost_microdollars": cost,
		})
		s.trackProgress(key, team, agent, result)
	}
}

// requeue marks the batch unread and arms capped exponential backoff.
func (s *Scheduler) requeue(key agentKey, team *domain.Team, agent string, ids []int64) {
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return s.store.Messages.MarkUnread(tx, ids)
	}); err != nil {
		log.ErrorErr(log.CatSched, "requeue failed", err, "agent", agent)
		return
	}

	s.mu.Lock()
	bo := s.backoffs[key]
	if bo.delay == 0 {
		bo.delay = s.cfg.Sessions.RateLimitBackoff
	} else {
		bo.delay *= 2
		if bo.delay > s.cfg.Sessions.RateLimitBackoffCap {
			bo.delay = s.cfg.Sessions.RateLimitBackoffCap
		}
	}
	bo.next = time.Now().Add(bo.delay)
	s.backoffs[key] = bo
	s.mu.Unlock()

	log.Warn(log.CatSched, "rate limited, requeued batch",
		"team", team.Name, "agent", agent, "retry_in", bo.delay)
}

func (s *Scheduler) clearBackoff(key agentKey) {
	s.mu.Lock()
	delete(s.backoffs, key)
	s.mu.Unlock()
}

// trackProgress maintains the nudge counter: a turn with zero
// state-changing tool calls is stalled, and the agent gets a bounded
// number of reminders before the scheduler gives up and leaves it to
// the next real message.
func (s *Scheduler) trackProgress(key agentKey, team *domain.Team, agent *domain.Agent, result *modelsession.TurnResult) {
	if result.StateChangingCalls > 0 {
		s.mu.Lock()
		delete(s.nudges, key)
		s.mu.Unlock()
		_ = s.store.Agents.RecordProgress(team.ID, agent.Name, time.Now())
		return
	}

	s.mu.Lock()
	s.nudges[key]++
	count := s.nudges[key]
	s.mu.Unlock()

	if count > s.cfg.NudgeLimit {
		log.Warn(log.CatSched, "agent stalled past nudge limit",
			"team", team.Name, "agent", agent.Name, "turns", count)
		return
	}
	body := fmt.Sprintf(
		"Reminder %d/%d: your last turn produced no visible progress. Use your tools to update a task, send a message, or state what is blocking you.",
		count, s.cfg.NudgeLimit)
	rec := s.bus.Recorder()
	err := s.store.WithTx(func(tx *sql.Tx) error {
		msg := &domain.Message{
			TeamID:    team.ID,
			Sender:    "system",
			Recipient: agent.Name,
			Kind:      domain.KindChat,
			Body:      body,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.Messages.Create(tx, msg); err != nil {
			return err
		}
		return rec.Emit(tx, team.ID, event.KindMessageSent, map[string]any{
			"message_id": msg.ID, "sender": msg.Sender, "recipient": msg.Recipient,
		})
	})
	if err != nil {
		log.ErrorErr(log.CatSched, "nudge failed", err, "agent", agent.Name)
		return
	}
	rec.Flush()
}

// emitNow appends and publishes one event in its own transaction, for
// emissions outside a larger write.
func (s *Scheduler) emitNow(teamID, kind string, payload any) {
	rec := s.bus.Recorder()
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return rec.Emit(tx, teamID, kind, payload)
	}); err != nil {
		log.ErrorErr(log.CatBus, "event emit failed", err, "kind", kind)
		return
	}
	rec.Flush()
}

func messageIDs(msgs []*domain.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// renderPrompt formats a turn batch as the user prompt. Messages keep
// their mailbox order and carry sender attribution and task context.
func renderPrompt(batch []*domain.Message) string {
	var b strings.Builder
	b.WriteString("You have new messages:\n")
	for _, m := range batch {
		fmt.Fprintf(&b, "\n--- message %d from %s", m.ID, m.Sender)
		if m.TaskID != nil {
			fmt.Fprintf(&b, " (re: %s)", domain.TaskKey(*m.TaskID))
		}
		b.WriteString(" ---\n")
		b.WriteString(m.Body)
		b.WriteString("\n")
	}
	b.WriteString("\nHandle these using your tools, then reply with a brief status.")
	return b.String()
}

// systemPrompt composes an agent's standing instructions from the team
// charter and its role.
func systemPrompt(team *domain.Team, agent *domain.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s on team %q.\n\n", agent.Name, agent.Role, team.Name)
	if team.Charter != "" {
		b.WriteString("## Team charter\n\n")
		b.WriteString(team.Charter)
		b.WriteString("\n\n")
	}
	switch agent.Role {
	case domain.RoleManager:
		b.WriteString("You coordinate the team: create tasks, assign them, and keep humans informed. You do not write code yourself.\n")
	case domain.RoleReviewer:
		b.WriteString("You review completed work: read diffs carefully, leave concrete comments, and approve only when the change is correct and complete.\n")
	default:
		b.WriteString("You implement assigned tasks in your worktree, commit as you go, and mark work complete when the branch is ready for review.\n")
	}
	b.WriteString("\nCommunicate exclusively through your tools. Never fabricate task or message state.")
	return b.String()
}
