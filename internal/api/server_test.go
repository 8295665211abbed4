package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conciergelabs/concierge/internal/agent"
	"github.com/conciergelabs/concierge/internal/calendar"
	"github.com/conciergelabs/concierge/internal/llm"
	"github.com/conciergelabs/concierge/internal/session"
)

type scriptedClient struct {
	responses []*llm.ChatResponse
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []llm.ToolDef) (*llm.ChatResponse, error) {
	if len(c.responses) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

type stubProvider struct {
	busy []calendar.Interval
}

func (p *stubProvider) GetBusySlots(ctx context.Context, timeMin, timeMax time.Time) ([]calendar.Interval, error) {
	return p.busy, nil
}

func (p *stubProvider) CreateEvent(ctx context.Context, req calendar.EventRequest) (*calendar.EventConfirmation, error) {
	return &calendar.EventConfirmation{ID: "evt_1", Status: "confirmed"}, nil
}

type failingStore struct{}

func (failingStore) Load(ctx context.Context, id string) (*agent.State, error) {
	return nil, errors.New("disk full")
}
func (failingStore) Save(ctx context.Context, state *agent.State) error {
	return errors.New("disk full")
}
func (failingStore) Ephemeral() bool { return false }
func (failingStore) Close() error    { return nil }

type erroringSource struct{}

func (erroringSource) Provider(ctx context.Context) (calendar.Provider, error) {
	return nil, errors.New("no calendar connected")
}

func newTestServer(t *testing.T, client llm.Client, store session.Store) *httptest.Server {
	t.Helper()
	if store == nil {
		var err error
		store, err = session.NewSQLiteStore(":memory:", nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
	}

	ag := agent.New(client, "test-model", nil)
	srv := NewServer("127.0.0.1", 0, ag, store, StaticProviderSource{P: &stubProvider{}}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postChat(t *testing.T, ts *httptest.Server, body map[string]any) (*http.Response, ChatResponse) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var chat ChatResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, chat
}

func TestChatNewConversation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "Hello! When would you like to book?"}},
	}}
	ts := newTestServer(t, client, nil)

	resp, chat := postChat(t, ts, map[string]any{
		"timezone": "Asia/Kolkata",
		"query":    "I need an appointment",
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if chat.ConversationID == "" {
		t.Error("expected a generated conversation_id")
	}
	if chat.Reply != "Hello! When would you like to book?" {
		t.Errorf("Reply = %q", chat.Reply)
	}
	if !chat.Persisted {
		t.Error("Persisted = false with a working store")
	}
	// system, user, assistant
	if len(chat.Messages) != 3 {
		t.Errorf("transcript has %d messages, want 3", len(chat.Messages))
	}
}

func TestChatContinuesConversation(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "first reply"}},
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "second reply"}},
	}}
	ts := newTestServer(t, client, nil)

	_, first := postChat(t, ts, map[string]any{
		"timezone": "UTC",
		"query":    "turn one",
	})

	resp, second := postChat(t, ts, map[string]any{
		"conversation_id": first.ConversationID,
		"timezone":        "UTC",
		"query":           "turn two",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation_id changed: %q -> %q", first.ConversationID, second.ConversationID)
	}
	// system, user, assistant, user, assistant — and exactly one system.
	if len(second.Messages) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(second.Messages))
	}
	systemCount := 0
	for _, m := range second.Messages {
		if m.Role == llm.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Errorf("transcript has %d system messages, want 1", systemCount)
	}
}

func TestChatValidatesRequest(t *testing.T) {
	ts := newTestServer(t, &scriptedClient{}, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing query", map[string]any{"timezone": "UTC"}},
		{"missing timezone", map[string]any{"query": "hello"}},
		{"bogus timezone", map[string]any{"timezone": "Not/AZone", "query": "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := postChat(t, ts, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestChatStoreFailureDegradesGracefully(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "still works"}},
	}}
	ts := newTestServer(t, client, failingStore{})

	resp, chat := postChat(t, ts, map[string]any{
		"timezone": "UTC",
		"query":    "hello",
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, a dead store must not fail the turn", resp.StatusCode)
	}
	if chat.Persisted {
		t.Error("Persisted = true with a failing store")
	}
	if chat.Reply != "still works" {
		t.Errorf("Reply = %q", chat.Reply)
	}
}

func TestChatEphemeralStoreFlagsContinuity(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "noted"}},
	}}
	ts := newTestServer(t, client, session.NullStore{})

	resp, chat := postChat(t, ts, map[string]any{
		"timezone": "UTC",
		"query":    "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if chat.Persisted {
		t.Error("Persisted = true in ephemeral mode")
	}
}

func TestChatNoProviderAvailable(t *testing.T) {
	store, err := session.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ag := agent.New(&scriptedClient{}, "test-model", nil)
	srv := NewServer("127.0.0.1", 0, ag, store, erroringSource{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := postChat(t, ts, map[string]any{
		"timezone": "UTC",
		"query":    "hello",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestChatRunsBookingTools(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:   "toolu_1",
				Name: "get_slots",
				Arguments: map[string]any{
					"time_min": "2025-12-15T00:00:00Z",
					"time_max": "2025-12-16T00:00:00Z",
				},
			}},
		}},
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "You're free all day."}},
	}}
	ts := newTestServer(t, client, nil)

	resp, chat := postChat(t, ts, map[string]any{
		"timezone": "UTC",
		"query":    "Am I free on the 15th?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if chat.Reply != "You're free all day." {
		t.Errorf("Reply = %q", chat.Reply)
	}
	// system, user, assistant+tool_call, tool result, assistant
	if len(chat.Messages) != 5 {
		t.Fatalf("transcript has %d messages, want 5", len(chat.Messages))
	}
	if chat.Messages[3].Role != llm.RoleTool {
		t.Errorf("message 3 role = %q, want tool", chat.Messages[3].Role)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, &scriptedClient{}, nil)

	for _, path := range []string{"/health", "/v1/version", "/"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestOAuthEndpointsDisabledWithoutService(t *testing.T) {
	ts := newTestServer(t, &scriptedClient{}, nil)

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/oauth/google/authorize")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when oauth is not configured", resp.StatusCode)
	}
}
