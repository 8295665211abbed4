// Package agent runs the tool-calling conversation loop that turns a
// user query into calendar actions and a final reply.
package agent

import (
	"github.com/conciergelabs/concierge/internal/llm"
)

// State is the accumulated transcript of one conversation. The
// transcript is append-only: messages are never rewritten once added,
// so replaying the slice reproduces the conversation exactly.
type State struct {
	ID       string        `json:"id"`
	Timezone string        `json:"timezone"`
	Messages []llm.Message `json:"messages"`
}

// NewState creates a conversation state for a session timezone.
func NewState(id, timezone string) *State {
	return &State{ID: id, Timezone: timezone}
}

// Append adds messages to the end of the transcript.
func (s *State) Append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// AppendUser adds a user turn.
func (s *State) AppendUser(content string) {
	s.Append(llm.Message{Role: llm.RoleUser, Content: content})
}

// HasSystemPrompt reports whether the transcript already carries a
// system message. Detection is by role, not content, so a refreshed
// prompt text never causes a second injection.
func (s *State) HasSystemPrompt() bool {
	for _, m := range s.Messages {
		if m.Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

// EnsureSystemPrompt prepends the system message if the transcript has
// none yet. Calling it again is a no-op.
func (s *State) EnsureSystemPrompt(content string) {
	if s.HasSystemPrompt() {
		return
	}
	s.Messages = append([]llm.Message{{Role: llm.RoleSystem, Content: content}}, s.Messages...)
}

// LastAssistantText returns the content of the most recent assistant
// message, or "" if the model has not spoken yet.
func (s *State) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}
