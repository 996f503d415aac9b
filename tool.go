package praxis

import (
	"context"
	"encoding/json"
)

// Tool defines an agent capability with one or more tool functions.
// Tools are stateless from the core's view; side effects live outside.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolFunc adapts a single function into a Tool.
type ToolFunc struct {
	Definition ToolDefinition
	Fn         func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (t *ToolFunc) Definitions() []ToolDefinition { return []ToolDefinition{t.Definition} }

func (t *ToolFunc) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	return t.Fn(ctx, args)
}

var _ Tool = (*ToolFunc)(nil)
