package llm

import "context"

// Client is the interface the conversation loop depends on. A single
// synchronous call per model invocation; no streaming contract.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
