package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/conciergelabs/concierge/internal/llm"
	"github.com/conciergelabs/concierge/internal/tools"
)

// mockClient replays scripted responses and records every request it
// receives.
type mockClient struct {
	responses []*llm.ChatResponse
	requests  [][]llm.Message
	err       error
}

func (m *mockClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []llm.ToolDef) (*llm.ChatResponse, error) {
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	m.requests = append(m.requests, snapshot)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "done"}}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *mockClient) Ping(ctx context.Context) error { return nil }

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:    llm.Message{Role: llm.RoleAssistant, Content: content},
		StopReason: "end_turn",
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:    llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		StopReason: "tool_use",
	}
}

func registryWith(t *testing.T, tls ...*tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range tls {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestRunDirectAnswer(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		textResponse("Hello! How can I help with your calendar?"),
	}}
	a := New(client, "test-model", nil)

	state := NewState("conv-1", "Asia/Kolkata")
	state.AppendUser("Hi there")

	result, err := a.Run(context.Background(), state, tools.NewRegistry())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Content != "Hello! How can I help with your calendar?" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", result.Rounds)
	}

	// system, user, assistant
	if len(state.Messages) != 3 {
		t.Fatalf("transcript has %d messages, want 3", len(state.Messages))
	}
	if state.Messages[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %q, want system", state.Messages[0].Role)
	}
}

func TestRunMultiRoundToolUse(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		toolResponse(llm.ToolCall{
			ID:   "toolu_1",
			Name: "get_slots",
			Arguments: map[string]any{
				"time_min": "2025-12-15T00:00:00Z",
				"time_max": "2025-12-16T00:00:00Z",
			},
		}),
		textResponse("You're busy 9-10am, free the rest of the day."),
	}}
	a := New(client, "test-model", nil)

	var gotArgs map[string]any
	reg := registryWith(t, &tools.Tool{
		Name: "get_slots",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return map[string]any{"busy": []map[string]string{
				{"start": "2025-12-15T09:00:00Z", "end": "2025-12-15T10:00:00Z"},
			}}, nil
		},
	})

	state := NewState("conv-1", "UTC")
	state.AppendUser("Am I free on December 15th?")

	result, err := a.Run(context.Background(), state, reg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", result.Rounds)
	}
	if gotArgs["time_min"] != "2025-12-15T00:00:00Z" {
		t.Errorf("tool received time_min = %v", gotArgs["time_min"])
	}

	// system, user, assistant(tool call), tool result, assistant(text)
	if len(state.Messages) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(state.Messages))
	}
	toolMsg := state.Messages[3]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "toolu_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(toolMsg.Content), &parsed); err != nil {
		t.Errorf("tool result is not JSON: %v", err)
	}

	// The second model call must have seen the tool result.
	if len(client.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.requests))
	}
	lastReq := client.requests[1]
	if lastReq[len(lastReq)-1].Role != llm.RoleTool {
		t.Errorf("second request did not end with the tool result")
	}
}

func TestRunToolErrorContinuesConversation(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		toolResponse(llm.ToolCall{ID: "toolu_1", Name: "book_slot", Arguments: map[string]any{}}),
		textResponse("I couldn't book that — the calendar is unreachable right now."),
	}}
	a := New(client, "test-model", nil)

	reg := registryWith(t, &tools.Tool{
		Name: "book_slot",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("calendar unavailable")
		},
	})

	state := NewState("conv-1", "UTC")
	state.AppendUser("Book 2pm tomorrow")

	result, err := a.Run(context.Background(), state, reg)
	if err != nil {
		t.Fatalf("Run() error = %v, tool failure must stay conversational", err)
	}
	if !strings.Contains(result.Content, "couldn't book") {
		t.Errorf("Content = %q", result.Content)
	}

	toolMsg := state.Messages[3]
	if !strings.HasPrefix(toolMsg.Content, "Error:") {
		t.Errorf("tool result = %q, want Error: prefix", toolMsg.Content)
	}
}

func TestRunUnknownToolContinuesConversation(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		toolResponse(llm.ToolCall{ID: "toolu_1", Name: "cancel_meeting", Arguments: map[string]any{}}),
		textResponse("I can't cancel meetings, but I can book new ones."),
	}}
	a := New(client, "test-model", nil)

	state := NewState("conv-1", "UTC")
	state.AppendUser("Cancel my 2pm")

	result, err := a.Run(context.Background(), state, tools.NewRegistry())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", result.Rounds)
	}
	if !strings.Contains(state.Messages[3].Content, "unknown tool") {
		t.Errorf("tool result = %q", state.Messages[3].Content)
	}
}

func TestRunLoopBudgetExceeded(t *testing.T) {
	// Model never stops asking for tools.
	var responses []*llm.ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, toolResponse(
			llm.ToolCall{ID: "toolu_n", Name: "get_current_time", Arguments: map[string]any{}},
		))
	}
	client := &mockClient{responses: responses}

	a := New(client, "test-model", nil)
	a.SetMaxToolRounds(3)

	reg := registryWith(t, &tools.Tool{
		Name: "get_current_time",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "2025-12-14T12:00:00Z", nil
		},
	})

	state := NewState("conv-1", "UTC")
	state.AppendUser("What time is it?")

	_, err := a.Run(context.Background(), state, reg)
	if !errors.Is(err, ErrLoopBudgetExceeded) {
		t.Fatalf("Run() error = %v, want ErrLoopBudgetExceeded", err)
	}
	if len(client.requests) != 3 {
		t.Errorf("model called %d times, want exactly 3", len(client.requests))
	}

	// Everything executed before exhaustion stays in the transcript:
	// system + user + 3×(assistant + tool result).
	if len(state.Messages) != 8 {
		t.Errorf("transcript has %d messages, want 8", len(state.Messages))
	}
}

func TestRunMalformedToolCallIsFatal(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		toolResponse(llm.ToolCall{ID: "toolu_1", Name: ""}),
	}}
	a := New(client, "test-model", nil)

	state := NewState("conv-1", "UTC")
	state.AppendUser("hello")

	_, err := a.Run(context.Background(), state, tools.NewRegistry())

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("Run() error = %v, want MalformedResponseError", err)
	}
	if len(client.requests) != 1 {
		t.Errorf("model called %d times after malformed response, want 1", len(client.requests))
	}
}

func TestRunModelErrorPropagates(t *testing.T) {
	client := &mockClient{err: errors.New("connection refused")}
	a := New(client, "test-model", nil)

	state := NewState("conv-1", "UTC")
	state.AppendUser("hello")

	_, err := a.Run(context.Background(), state, tools.NewRegistry())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Run() error = %v, want wrapped transport error", err)
	}
}

func TestSystemPromptInjectedExactlyOnce(t *testing.T) {
	client := &mockClient{responses: []*llm.ChatResponse{
		textResponse("first"),
		textResponse("second"),
	}}
	a := New(client, "test-model", nil)

	state := NewState("conv-1", "Asia/Kolkata")
	state.AppendUser("turn one")
	if _, err := a.Run(context.Background(), state, tools.NewRegistry()); err != nil {
		t.Fatal(err)
	}

	state.AppendUser("turn two")
	if _, err := a.Run(context.Background(), state, tools.NewRegistry()); err != nil {
		t.Fatal(err)
	}

	systemCount := 0
	for _, m := range state.Messages {
		if m.Role == llm.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Errorf("transcript has %d system messages, want 1", systemCount)
	}
	if state.Messages[0].Role != llm.RoleSystem {
		t.Errorf("system message not first")
	}
}

func TestSystemPromptNeverAsksForTimezone(t *testing.T) {
	prompt := SystemPrompt("Asia/Kolkata")
	if !strings.Contains(prompt, "Asia/Kolkata") {
		t.Error("prompt must carry the session timezone")
	}
	if !strings.Contains(strings.ToLower(prompt), "never ask the user what timezone") {
		t.Error("prompt must forbid asking for the timezone")
	}
}
