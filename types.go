package praxis

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is one entry in a session's message history. Ordering within a
// session is total and append-only; every message carries a stable ID.
type ChatMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific
}

// ToolCall is a tool invocation request produced by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Model    string           `json:"model,omitempty"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes one callable tool surface. Sensitive marks tools
// whose invocation must pass the approval gate; RequiresRole restricts
// visibility to a single role (empty = visible to everyone).
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"` // JSON Schema
	Sensitive    bool            `json:"sensitive,omitempty"`
	RequiresRole string          `json:"requires_role,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{ID: NewID(), Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{ID: NewID(), Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{ID: NewID(), Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{ID: NewID(), Role: "tool", Content: content, ToolCallID: callID}
}
