// Package knowledge exposes an injected retrieval backend as the
// retrieve_knowledge agent tool. The core ships no retrieval engine of its
// own; keyword search, vector stores, and external services all arrive
// through the praxis.Retriever interface.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/praxis"
)

// Tool wraps a Retriever as an agent tool.
type Tool struct {
	retriever praxis.Retriever
	topK      int
}

// Compile-time interface check.
var _ praxis.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.topK = n
		}
	}
}

// New creates the retrieve_knowledge tool over retriever.
func New(retriever praxis.Retriever, opts ...Option) *Tool {
	t := &Tool{retriever: retriever, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []praxis.ToolDefinition {
	return []praxis.ToolDefinition{{
		Name:        "retrieve_knowledge",
		Description: "Search the knowledge base for previously saved information, documents, and reference material.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (praxis.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return praxis.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return praxis.ToolResult{Error: "query is required"}, nil
	}

	hits, err := t.retriever.Retrieve(ctx, params.Query, t.topK)
	if err != nil {
		return praxis.ToolResult{Error: "retrieval error: " + err.Error()}, nil
	}
	if len(hits) == 0 {
		return praxis.ToolResult{Content: fmt.Sprintf("No relevant information found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	out.WriteString("From knowledge base:\n")
	for i, h := range hits {
		fmt.Fprintf(&out, "%d. %s\n", i+1, h.Content)
		if h.Source != "" {
			fmt.Fprintf(&out, "   Source: %s\n", h.Source)
		}
	}
	return praxis.ToolResult{Content: out.String()}, nil
}
