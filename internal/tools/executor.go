package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/conciergelabs/concierge/internal/llm"
)

// NoOutputSentinel is the transcript text recorded when a handler
// succeeds but returns nothing. The model needs a non-empty result to
// know the call happened.
const NoOutputSentinel = "Tool executed successfully with no direct output."

// Executor runs tool calls and renders their outcomes as transcript
// messages. Handler failures are not errors to the caller: they become
// result text the model can read and react to.
type Executor struct {
	registry *Registry
	logger   *slog.Logger

	// timeout bounds each individual handler invocation. Zero means
	// the caller's ctx is the only limit.
	timeout time.Duration
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   logger,
		timeout:  timeout,
	}
}

// Execute runs the given tool calls strictly in order and returns one
// tool-role message per call, in the same order. Every call produces a
// message; a failed call produces an error message, never a gap.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeOne(ctx, call))
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call llm.ToolCall) llm.Message {
	msg := llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	tool, err := e.registry.Resolve(call.Name)
	if err != nil {
		e.logger.Warn("model requested unregistered tool", "tool", call.Name)
		msg.Content = "Error: " + err.Error()
		return msg
	}

	if missing := missingRequired(tool.Parameters, call.Arguments); len(missing) > 0 {
		e.logger.Warn("tool call missing required arguments", "tool", call.Name, "missing", missing)
		msg.Content = fmt.Sprintf("Error: missing required argument(s) for %s: %v", call.Name, missing)
		return msg
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Handler(runCtx, args)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("tool failed", "tool", call.Name, "elapsed", elapsed, "error", err)
		msg.Content = "Error: " + err.Error()
		return msg
	}

	e.logger.Debug("tool executed", "tool", call.Name, "elapsed", elapsed)
	msg.Content = serializeResult(result)
	return msg
}

// serializeResult renders a handler's return value as transcript text.
// Structured values become canonical JSON so the model sees stable,
// parseable output; nil becomes a fixed sentinel.
func serializeResult(v any) string {
	switch val := v.(type) {
	case nil:
		return NoOutputSentinel
	case string:
		if val == "" {
			return NoOutputSentinel
		}
		return val
	case []byte:
		if len(val) == 0 {
			return NoOutputSentinel
		}
		return string(val)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// missingRequired checks args against the schema's required list.
// Deeper schema validation is left to the handlers themselves.
func missingRequired(schema, args map[string]any) []string {
	if schema == nil {
		return nil
	}

	var required []string
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}

	var missing []string
	for _, name := range required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
