package modelsession

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/sandbox"
)

// contextWindowTokens is the window assumed for utilization estimates.
const contextWindowTokens = 200_000

// maxTurnTokens caps one assistant response.
const maxTurnTokens = 8192

// maxToolRounds bounds the tool-call loop inside one turn.
const maxToolRounds = 25

// AnthropicSession is the production Session: a persistent message
// history against the Anthropic API with the agent's tool vocabulary
// attached. The history is the session state; it survives across turns
// until rotation.
type AnthropicSession struct {
	client     anthropic.Client
	model      anthropic.Model
	system     string
	dispatcher ToolDispatcher
	sandboxCfg *sandbox.Config

	history    []anthropic.MessageParam
	tokensSeen int64
	dead       bool
}

// NewAnthropicSession creates a session. The system prompt carries the
// team charter, the agent's role brief, and any memory summary carried
// over from a rotated predecessor. Requires ANTHROPIC_API_KEY.
func NewAnthropicSession(model, system string, dispatcher ToolDispatcher, cfg *sandbox.Config) (*AnthropicSession, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	return &AnthropicSession{
		client:     anthropic.NewClient(option.WithAPIKey(key)),
		model:      anthropic.Model(model),
		system:     system,
		dispatcher: dispatcher,
		sandboxCfg: cfg,
	}, nil
}

// tools renders the dispatcher's vocabulary, dropping anything on the
// disallowed list so denied git verbs are never advertised at all.
func (s *AnthropicSession) tools() []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, def := range s.dispatcher.Tools() {
		if !s.sandboxCfg.ToolAllowed(def.Name) {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{
			Properties: def.InputSchema["properties"],
		}
		// Without the required list the model may legally omit
		// mandatory arguments.
		if required, ok := def.InputSchema["required"].([]string); ok {
			schema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

// RunTurn appends the prompt to the session history and drives the
// model until it stops asking for tools. Text blocks are emitted
// incrementally with a per-turn monotonic sequence.
func (s *AnthropicSession) RunTurn(ctx context.Context, prompt string, emit TextEmitter) (*TurnResult, error) {
	if s.dead {
		return nil, ErrSessionDead
	}
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	result := &TurnResult{}
	seq := 0

	for round := 0; round < maxToolRounds; round++ {
		message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: maxTurnTokens,
			System:    []anthropic.TextBlockParam{{Text: s.system}},
			Messages:  s.history,
			Tools:     s.tools(),
		})
		if err != nil {
			return nil, s.classify(err)
		}

		result.Usage.InputTokens += message.Usage.InputTokens
		result.Usage.OutputTokens += message.Usage.OutputTokens
		s.tokensSeen = message.Usage.InputTokens + message.Usage.OutputTokens

		s.history = append(s.history, message.ToParam())

		var toolResults []anthropic.ContentBlockParamUnion
		for _, block := range message.Content {
			switch block.Type {
			case "text":
				result.Reply += block.Text
				if emit != nil && block.Text != "" {
					emit(seq, block.Text)
					seq++
				}
			case "tool_use":
				output, stateChanging, callErr := s.dispatcher.Call(ctx, block.Name, block.Input)
				isError := callErr != nil
				if isError {
					// Denials and tool errors feed back to the model in
					// its tool-result channel so it can adjust.
					output = callErr.Error()
				}
				if stateChanging && !isError {
					result.StateChangingCalls++
				}
				toolResults = append(toolResults,
					anthropic.NewToolResultBlock(block.ID, output, isError))
			}
		}

		if message.StopReason != "tool_use" || len(toolResults) == 0 {
			return result, nil
		}
		s.history = append(s.history, anthropic.NewUserMessage(toolResults...))
	}
	log.Warn(log.CatSession, "turn exceeded tool round limit", "rounds", maxToolRounds)
	return result, nil
}

// classify maps API errors onto the session error taxonomy.
func (s *AnthropicSession) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 529:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("upstream error: %w", err)
		case apiErr.StatusCode == 400:
			// Typically context overflow; the session cannot recover.
			s.dead = true
			return fmt.Errorf("%w: %v", ErrSessionDead, err)
		}
	}
	return err
}

// ContextUtilization estimates window consumption from the last turn's
// total token count.
func (s *AnthropicSession) ContextUtilization() float64 {
	return float64(s.tokensSeen) / float64(contextWindowTokens)
}

// Close releases the session. The API connection is stateless HTTP;
// only the history is dropped.
func (s *AnthropicSession) Close() error {
	s.history = nil
	s.dead = true
	return nil
}
