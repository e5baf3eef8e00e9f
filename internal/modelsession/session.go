// Package modelsession manages per-agent persistent model sessions.
// Each agent owns at most one Session, reused across turns to amortize
// prompt warm-up and rotated on context pressure, sandbox config
// change, or irrecoverable session error.
package modelsession

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited is the typed signal that the upstream throttled a
// turn. The scheduler requeues the triggering messages with backoff
// instead of failing loudly.
var ErrRateLimited = errors.New("model rate limited")

// ErrSessionDead indicates the session hit an irrecoverable error and
// must be rotated.
var ErrSessionDead = errors.New("model session irrecoverable")

// ToolDef describes one tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolDispatcher is the in-process tool server handle bound to one
// agent. Calls execute inside the daemon, outside the sandbox; the
// agent's identity is baked into the dispatcher, not the arguments.
type ToolDispatcher interface {
	Tools() []ToolDef
	Call(ctx context.Context, name string, args json.RawMessage) (result string, stateChanging bool, err error)
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Reply string
	Usage Usage
	// StateChangingCalls counts tool calls with observable side
	// effects. Zero outbound activity triggers the scheduler's nudge.
	StateChangingCalls int
}

// TextEmitter receives incremental reply text for live streaming.
// seq is monotonic within the turn.
type TextEmitter func(seq int, text string)

// Session is a persistent stateful connection to the model.
type Session interface {
	// RunTurn issues one turn with the batched prompt, dispatching tool
	// calls and streaming partial text through emit (which may be nil).
	RunTurn(ctx context.Context, prompt string, emit TextEmitter) (*TurnResult, error)

	// ContextUtilization estimates the fraction of the context window
	// consumed, for the rotation watermark.
	ContextUtilization() float64

	// Close releases the session.
	Close() error
}
