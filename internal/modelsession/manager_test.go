package modelsession

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/delegate/internal/sandbox"
)

// fakeSession counts turns and reports a fixed context utilization.
type fakeSession struct {
	mu              sync.Mutex
	system          string
	utilization     float64
	turnErr         error
	turns           []string
	closed          bool
	turnsAfterClose int
}

func (s *fakeSession) RunTurn(ctx context.Context, prompt string, emit TextEmitter) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.turnsAfterClose++
	}
	s.turns = append(s.turns, prompt)
	if s.turnErr != nil {
		return nil, s.turnErr
	}
	return &TurnResult{
		Reply:              "summary of my state",
		Usage:              Usage{InputTokens: 100, OutputTokens: 50},
		StateChangingCalls: 1,
	}, nil
}

func (s *fakeSession) ContextUtilization() float64 { return s.utilization }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) Tools() []ToolDef { return nil }
func (nopDispatcher) Call(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	return "", false, nil
}

// fakeFactory records every session it hands out.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeFactory) new(model, system string, dispatcher ToolDispatcher, cfg *sandbox.Config) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{system: system}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestManager_AcquireReusesSession(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	s1, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	s2, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, factory.count())
}

func TestManager_ConfigVersionDriftRotates(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, &sandbox.Config{Version: 1})
	require.NoError(t, err)
	first := factory.last(t)

	_, err = m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, &sandbox.Config{Version: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, factory.count())
	assert.True(t, first.closed, "stale session is closed on rotation")
}

func TestManager_WatermarkRotationCarriesSummary(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	first := factory.last(t)
	first.utilization = 0.95

	_, _, err = m.RunTurn(context.Background(), "team-1", "dev", "do work", nil)
	require.NoError(t, err)

	require.Equal(t, 2, factory.count())
	assert.True(t, first.closed)
	// The predecessor was asked to condense its state, and the summary
	// opens the successor's system prompt.
	assert.Contains(t, first.turns[len(first.turns)-1], "Summarize your current working state")
	fresh := factory.last(t)
	assert.Contains(t, fresh.system, "Carried-over state from your previous session")
	assert.Contains(t, fresh.system, "summary of my state")
}

func TestManager_RunTurnAccumulatesUsage(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)

	_, cost, err := m.RunTurn(context.Background(), "team-1", "dev", "p", nil)
	require.NoError(t, err)
	// 100 in + 50 out at sonnet rates.
	assert.Equal(t, int64(100*3+50*15), cost)

	_, _, err = m.RunTurn(context.Background(), "team-1", "dev", "p", nil)
	require.NoError(t, err)

	in, out, total, turns := m.Usage("team-1", "dev")
	assert.Equal(t, int64(200), in)
	assert.Equal(t, int64(100), out)
	assert.Equal(t, 2*cost, total)
	assert.Equal(t, int64(2), turns)
}

func TestManager_DeadSessionRotates(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	first := factory.last(t)
	first.turnErr = ErrSessionDead

	_, _, err = m.RunTurn(context.Background(), "team-1", "dev", "p", nil)
	require.ErrorIs(t, err, ErrSessionDead)
	assert.True(t, first.closed)
	assert.Equal(t, 2, factory.count(), "a replacement session was started")
}

func TestManager_ConcurrentTurnAndRotate(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)

	// Turns race against rotations the way the scheduler races the
	// allowlist watcher. The per-entry lock must serialize them so no
	// turn ever lands on a retired session.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, _ = m.RunTurn(context.Background(), "team-1", "dev", "p", nil)
		}()
		go func() {
			defer wg.Done()
			m.Rotate(context.Background(), "team-1", "dev")
		}()
	}
	wg.Wait()

	factory.mu.Lock()
	defer factory.mu.Unlock()
	for _, s := range factory.sessions {
		assert.Zero(t, s.turnsAfterClose, "turn ran on a retired session")
	}
}

func TestManager_RunTurnWithoutAcquire(t *testing.T) {
	m := NewManager((&fakeFactory{}).new, 0.8)
	defer m.Close()

	_, _, err := m.RunTurn(context.Background(), "team-1", "ghost", "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call Acquire first")
}

func TestManager_ReleaseTeam(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(factory.new, 0.8)
	defer m.Close()
	cfg := &sandbox.Config{Version: 1}

	_, err := m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	_, err = m.Acquire("team-2", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)

	m.ReleaseTeam("team-1")
	assert.True(t, factory.sessions[0].closed)
	assert.False(t, factory.sessions[1].closed)

	// A new Acquire for the released agent starts fresh.
	_, err = m.Acquire("team-1", "dev", "claude-sonnet-4", "sys", nopDispatcher{}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, factory.count())
}

func TestUsageTotals_CostArithmetic(t *testing.T) {
	tests := []struct {
		model string
		usage Usage
		want  int64
	}{
		{"claude-opus-4-1", Usage{InputTokens: 1_000_000, OutputTokens: 0}, 15_000_000},
		{"claude-sonnet-4", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 18_000_000},
		{"claude-haiku-3-5", Usage{InputTokens: 500_000, OutputTokens: 0}, 400_000},
		{"someone-elses-model", Usage{InputTokens: 1_000_000, OutputTokens: 0}, 3_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			totals := &UsageTotals{}
			assert.Equal(t, tt.want, totals.Add(tt.model, tt.usage))
		})
	}
}

func TestWithSummary(t *testing.T) {
	assert.Equal(t, "sys", withSummary("sys", ""))
	combined := withSummary("sys", "notes")
	assert.True(t, strings.HasPrefix(combined, "sys"))
	assert.Contains(t, combined, "notes")
}
