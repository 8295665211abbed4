package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conciergelabs/concierge/internal/llm"
	"github.com/conciergelabs/concierge/internal/tools"
)

// DefaultMaxToolRounds bounds how many model/tool exchanges one user
// turn may take before the loop fails closed.
const DefaultMaxToolRounds = 10

// ErrLoopBudgetExceeded is returned when the model keeps requesting
// tools past the round limit. The transcript keeps everything executed
// so far; the caller decides what to tell the user.
var ErrLoopBudgetExceeded = errors.New("tool round limit exceeded")

// MalformedResponseError marks a model response the loop cannot act on,
// such as a tool call with no name. It is fatal for the turn: feeding a
// guess back to the model would only compound the confusion.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed model response: " + e.Reason
}

// Result is the outcome of one completed user turn.
type Result struct {
	Content      string
	Rounds       int
	InputTokens  int
	OutputTokens int
}

// Agent drives the conversation loop against an LLM.
type Agent struct {
	logger       *slog.Logger
	llm          llm.Client
	model        string
	maxRounds    int
	modelTimeout time.Duration
	toolTimeout  time.Duration
}

// New creates an agent for the given client and model.
func New(client llm.Client, model string, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		logger:    logger,
		llm:       client,
		model:     model,
		maxRounds: DefaultMaxToolRounds,
	}
}

// SetMaxToolRounds overrides the round limit. Values below 1 keep the
// default.
func (a *Agent) SetMaxToolRounds(n int) {
	if n >= 1 {
		a.maxRounds = n
	}
}

// SetModelTimeout bounds each individual model call.
func (a *Agent) SetModelTimeout(d time.Duration) {
	a.modelTimeout = d
}

// SetToolTimeout bounds each individual tool invocation.
func (a *Agent) SetToolTimeout(d time.Duration) {
	a.toolTimeout = d
}

// Run advances the conversation until the model answers in plain text.
// The caller appends the user's message to state first; Run appends
// everything the exchange produces (assistant turns, tool results) so
// the transcript is complete whether it succeeds or fails.
func (a *Agent) Run(ctx context.Context, state *State, registry *tools.Registry) (*Result, error) {
	state.EnsureSystemPrompt(SystemPrompt(state.Timezone))

	exec := tools.NewExecutor(registry, a.toolTimeout, a.logger)
	defs := registry.Defs()

	var totalInput, totalOutput int

	for round := 0; round < a.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("conversation cancelled: %w", err)
		}

		callCtx := ctx
		if a.modelTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.modelTimeout)
			defer cancel()
		}

		callStart := time.Now()
		resp, err := a.llm.Chat(callCtx, a.model, state.Messages, defs)
		if err != nil {
			return nil, fmt.Errorf("model call failed (round %d): %w", round, err)
		}

		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		a.logger.Info("model response",
			"conversation_id", state.ID,
			"round", round,
			"model", a.model,
			"stop_reason", resp.StopReason,
			"tool_calls", len(resp.Message.ToolCalls),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", time.Since(callStart).Round(time.Millisecond),
		)

		if err := validateToolCalls(resp.Message.ToolCalls); err != nil {
			return nil, err
		}

		state.Append(resp.Message)

		// No tool calls — the model has answered the user.
		if len(resp.Message.ToolCalls) == 0 {
			return &Result{
				Content:      resp.Message.Content,
				Rounds:       round + 1,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
			}, nil
		}

		results := exec.Execute(ctx, resp.Message.ToolCalls)
		state.Append(results...)
	}

	a.logger.Warn("tool round limit reached",
		"conversation_id", state.ID,
		"max_rounds", a.maxRounds,
	)
	return nil, fmt.Errorf("%w: no final reply after %d rounds", ErrLoopBudgetExceeded, a.maxRounds)
}

// validateToolCalls rejects responses the executor cannot act on.
func validateToolCalls(calls []llm.ToolCall) error {
	for i, tc := range calls {
		if tc.Name == "" {
			return &MalformedResponseError{Reason: fmt.Sprintf("tool call %d has no name", i)}
		}
		if tc.ID == "" {
			return &MalformedResponseError{Reason: fmt.Sprintf("tool call %d (%s) has no id", i, tc.Name)}
		}
	}
	return nil
}
