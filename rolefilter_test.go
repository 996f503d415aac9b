package praxis

import (
	"context"
	"testing"
)

// modelView runs one filtered model call and returns the tool set the model
// would see.
func modelView(t *testing.T, ctx context.Context, tools []ToolDefinition) []string {
	t.Helper()
	var seen []string
	_, err := NewRoleFilter().WrapModelCall(ctx, ChatRequest{}, tools,
		func(_ context.Context, _ ChatRequest, visible []ToolDefinition) (ChatResponse, error) {
			for _, def := range visible {
				seen = append(seen, def.Name)
			}
			return ChatResponse{}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return seen
}

func restrictedToolSet() []ToolDefinition {
	return []ToolDefinition{
		{Name: "greet"},
		{Name: "wipe_database", RequiresRole: "admin"},
		{Name: "invoice_export", RequiresRole: "billing"},
	}
}

func TestRoleFilterHidesRestrictedTools(t *testing.T) {
	ctx := WithRequestInfo(context.Background(), RequestInfo{Role: "billing"})
	seen := modelView(t, ctx, restrictedToolSet())
	if len(seen) != 2 || seen[0] != "greet" || seen[1] != "invoice_export" {
		t.Errorf("billing view = %v, want [greet invoice_export]", seen)
	}
}

func TestRoleFilterAdminSeesEverything(t *testing.T) {
	ctx := WithRequestInfo(context.Background(), RequestInfo{Role: "admin"})
	if seen := modelView(t, ctx, restrictedToolSet()); len(seen) != 3 {
		t.Errorf("admin view = %v, want all three tools", seen)
	}
}

func TestRoleFilterPassthroughWithoutCallerInfo(t *testing.T) {
	if seen := modelView(t, context.Background(), restrictedToolSet()); len(seen) != 3 {
		t.Errorf("anonymous view = %v, want unfiltered pass-through", seen)
	}
}
