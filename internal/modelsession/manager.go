package modelsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/sandbox"
)

// Factory creates a session for an agent. Production wires
// NewAnthropicSession; tests substitute fakes.
type Factory func(model, system string, dispatcher ToolDispatcher, cfg *sandbox.Config) (Session, error)

// agentKey identifies an agent across teams.
type agentKey struct {
	teamID string
	agent  string
}

// entry is one agent's live session. mu serializes turns against
// rotations: the scheduler runs turns while the allowlist watcher may
// rotate concurrently, and both touch the session pointer. Lock order
// is always Manager.mu before entry.mu, never the reverse.
type entry struct {
	mu            sync.Mutex
	session       Session
	model         string
	system        string
	dispatcher    ToolDispatcher
	cfg           *sandbox.Config
	cfgVersion    int
	memorySummary string
	totals        *UsageTotals
}

// Manager owns every active session. It is the process-level registry
// the design notes call for: initialized at daemon start, torn down at
// stop, and the only code that creates or retires sessions.
type Manager struct {
	mu        sync.Mutex
	factory   Factory
	watermark float64
	entries   map[agentKey]*entry
}

// NewManager creates a manager. watermark is the context-utilization
// fraction that triggers rotation.
func NewManager(factory Factory, watermark float64) *Manager {
	return &Manager{
		factory:   factory,
		watermark: watermark,
		entries:   make(map[agentKey]*entry),
	}
}

// Acquire lazily creates or returns the agent's session. The sandbox
// config and tool dispatcher are captured at creation; a later config
// version bump forces a rotation on the next Acquire.
func (m *Manager) Acquire(teamID, agent, model, system string, dispatcher ToolDispatcher, cfg *sandbox.Config) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := agentKey{teamID: teamID, agent: agent}
	e, ok := m.entries[key]
	if ok && e.cfgVersion == cfg.Version {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		return s, nil
	}

	summary := ""
	totals := &UsageTotals{}
	if ok {
		// Sandbox config drifted: retire the old session, carrying the
		// memory summary forward.
		e.mu.Lock()
		summary = e.memorySummary
		_ = e.session.Close()
		e.mu.Unlock()
		totals = e.totals
		log.Info(log.CatSession, "session rotated on config change",
			"team", teamID, "agent", agent, "version", cfg.Version)
	}

	session, err := m.factory(model, withSummary(system, summary), dispatcher, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", agent, err)
	}
	m.entries[key] = &entry{
		session:       session,
		model:         model,
		system:        system,
		dispatcher:    dispatcher,
		cfg:           cfg,
		cfgVersion:    cfg.Version,
		memorySummary: summary,
		totals:        totals,
	}
	return session, nil
}

// RunTurn issues one turn on the agent's session, folds usage into the
// single accumulator, and rotates afterwards if the context watermark
// was crossed or the session died. Returns the turn cost in
// microdollars alongside the result.
func (m *Manager) RunTurn(ctx context.Context, teamID, agent, prompt string, emit TextEmitter) (*TurnResult, int64, error) {
	m.mu.Lock()
	e, ok := m.entries[agentKey{teamID: teamID, agent: agent}]
	m.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("no session for agent %s; call Acquire first", agent)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.session.RunTurn(ctx, prompt, emit)
	if err != nil {
		if IsDead(err) {
			m.rotateLocked(ctx, teamID, agent, e)
		}
		return nil, 0, err
	}

	cost := e.totals.Add(e.model, result.Usage)

	if e.session.ContextUtilization() >= m.watermark {
		m.rotateLocked(ctx, teamID, agent, e)
	}
	return result, cost, nil
}

// Rotate retires the agent's current session and starts a fresh one,
// asking the old session to condense its state into a memory summary
// that opens the replacement's context.
func (m *Manager) Rotate(ctx context.Context, teamID, agent string) {
	m.mu.Lock()
	e, ok := m.entries[agentKey{teamID: teamID, agent: agent}]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.rotateLocked(ctx, teamID, agent, e)
}

// rotateLocked swaps the entry's session. Callers hold e.mu. On factory
// failure the closed session stays in place; its next turn reports
// ErrSessionDead, which triggers another rotation attempt.
func (m *Manager) rotateLocked(ctx context.Context, teamID, agent string, e *entry) {
	summary := ""
	if res, err := e.session.RunTurn(ctx,
		"Summarize your current working state for a successor: active tasks, decisions made, and anything in flight. Be concise.",
		nil); err == nil {
		summary = res.Reply
	}
	_ = e.session.Close()

	fresh, err := m.factory(e.model, withSummary(e.system, summary), e.dispatcher, e.cfg)
	if err != nil {
		log.ErrorErr(log.CatSession, "session rotation failed", err, "team", teamID, "agent", agent)
		return
	}

	e.session = fresh
	e.memorySummary = summary
	log.Info(log.CatSession, "session rotated", "team", teamID, "agent", agent)
}

// RotateAll rotates every active session. Triggered by network
// allowlist edits, which invalidate every sandbox profile at once.
func (m *Manager) RotateAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]agentKey, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.Rotate(ctx, key.teamID, key.agent)
	}
}

// Usage returns the agent's cumulative totals.
func (m *Manager) Usage(teamID, agent string) (inputTokens, outputTokens, costMicrodollars, turns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[agentKey{teamID: teamID, agent: agent}]; ok {
		return e.totals.Snapshot()
	}
	return 0, 0, 0, 0
}

// Release closes and forgets the agent's session.
func (m *Manager) Release(teamID, agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agentKey{teamID: teamID, agent: agent}
	if e, ok := m.entries[key]; ok {
		e.mu.Lock()
		_ = e.session.Close()
		e.mu.Unlock()
		delete(m.entries, key)
	}
}

// ReleaseTeam closes every session belonging to a team. Used by team
// deletion.
func (m *Manager) ReleaseTeam(teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if key.teamID == teamID {
			e.mu.Lock()
			_ = e.session.Close()
			e.mu.Unlock()
			delete(m.entries, key)
		}
	}
}

// Close releases every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		e.mu.Lock()
		_ = e.session.Close()
		e.mu.Unlock()
		delete(m.entries, key)
	}
}

// IsDead reports whether err means the session cannot continue.
func IsDead(err error) bool {
	return errors.Is(err, ErrSessionDead)
}

// withSummary prepends a rotated predecessor's memory summary to the
// system prompt.
func withSummary(system, summary string) string {
	if summary == "" {
		return system
	}
	return system + "\n\n## Carried-over state from your previous session\n\n" + summary
}
