// Package tools defines the tools the assistant can call and the
// executor that runs them against a transcript.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/conciergelabs/concierge/internal/llm"
)

var (
	// ErrUnknownTool is returned when resolving a name no tool was
	// registered under.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool represents a callable tool. Parameters is a JSON-schema object
// describing the arguments; the schema is sent to the model verbatim.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds the tools available to one conversation.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a name twice is a programming
// error and fails rather than silently replacing the first handler.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Defs returns the registered tools as model-facing definitions, in
// stable name order so prompts are reproducible.
func (r *Registry) Defs() []llm.ToolDef {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return defs
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	return len(r.tools)
}
