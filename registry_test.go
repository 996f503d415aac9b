package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryRegisterReplacesByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{})
	reg.Register(renamedGreeter{})

	res, err := reg.Execute(context.Background(), "greet", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "greetings v2" {
		t.Errorf("Content = %q, want the replacing tool's output", res.Content)
	}
	if got := len(reg.List(adminRole)); got != 1 {
		t.Errorf("List = %d definitions, want replacement not duplication", got)
	}
}

// renamedGreeter registers under the same name as mockTool.
type renamedGreeter struct{}

func (renamedGreeter) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello, v2"}}
}

func (renamedGreeter) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "greetings v2"}, nil
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.Resolve("nope", "")
	var notFound *ErrToolNotFound
	if !errors.As(err, &notFound) || notFound.Name != "nope" {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestRegistryRoleView(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{}, staticAdminTool{})

	anon := reg.List("")
	if len(anon) != 1 || anon[0].Name != "greet" {
		t.Errorf("anonymous view = %v, want restricted tool hidden", anon)
	}
	admin := reg.List(adminRole)
	if len(admin) != 2 {
		t.Errorf("admin view = %d tools, want all", len(admin))
	}

	if _, _, err := reg.Resolve("wipe_database", ""); err == nil {
		t.Error("restricted tool resolved for anonymous caller")
	} else {
		var forbidden *ErrForbidden
		if !errors.As(err, &forbidden) {
			t.Errorf("err = %v, want ErrForbidden", err)
		}
	}
	if _, _, err := reg.Resolve("wipe_database", "admin"); err != nil {
		t.Errorf("admin resolve failed: %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{}, errTool{}, panicTool{})
	defs := reg.List("")
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name > defs[i].Name {
			t.Fatalf("List not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
}

func TestRegistryExecuteUnknownReturnsErrorResult(t *testing.T) {
	reg := NewRegistry()
	res, err := reg.Execute(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("Execute err = %v, want miss folded into the result", err)
	}
	if res.Error == "" {
		t.Error("result.Error empty for unknown tool")
	}
}

// scriptedBridge serves a fixed descriptor set and records invocations.
type scriptedBridge struct {
	name    string
	defs    []ToolDefinition
	listErr error
	invoked []string
}

func (b *scriptedBridge) Name() string { return b.name }

func (b *scriptedBridge) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.defs, nil
}

func (b *scriptedBridge) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	b.invoked = append(b.invoked, name)
	return "bridged:" + name, nil
}

func TestRegistryDiscoverNamespacesTools(t *testing.T) {
	reg := NewRegistry()
	b := &scriptedBridge{name: "docs", defs: []ToolDefinition{
		{Name: "search", Description: "Search the docs"},
		{Name: "fetch", Description: "Fetch a page"},
	}}

	n, err := reg.Discover(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Discover = %d, want 2", n)
	}

	names := make(map[string]bool)
	for _, def := range reg.List("") {
		names[def.Name] = true
	}
	if !names["docs_search"] || !names["docs_fetch"] {
		t.Errorf("namespaced tools missing, got %v", names)
	}

	// Execution strips the namespace before reaching the bridge.
	res, err := reg.Execute(context.Background(), "docs_search", json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "bridged:search" {
		t.Errorf("Content = %q", res.Content)
	}
	if len(b.invoked) != 1 || b.invoked[0] != "search" {
		t.Errorf("bridge saw %v, want the bare tool name", b.invoked)
	}
}

func TestRegistryDiscoverRefreshReplacesBridgeSet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mockTool{})
	b := &scriptedBridge{name: "docs", defs: []ToolDefinition{{Name: "search"}}}

	if _, err := reg.Discover(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	// The bridge's tool set changed: refresh must drop stale entries but
	// leave static registrations alone.
	b.defs = []ToolDefinition{{Name: "lookup"}}
	if _, err := reg.Discover(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	for _, def := range reg.List("") {
		names[def.Name] = true
	}
	if names["docs_search"] {
		t.Error("stale bridge tool survived refresh")
	}
	if !names["docs_lookup"] {
		t.Error("refreshed bridge tool missing")
	}
	if !names["greet"] {
		t.Error("static tool lost during bridge refresh")
	}
}

func TestRegistryDiscoverListFailureKeepsOldSet(t *testing.T) {
	reg := NewRegistry()
	b := &scriptedBridge{name: "docs", defs: []ToolDefinition{{Name: "search"}}}
	if _, err := reg.Discover(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	b.listErr = errors.New("bridge down")
	if _, err := reg.Discover(context.Background(), b); err == nil {
		t.Fatal("Discover succeeded with a failing bridge")
	}
	if _, _, err := reg.Resolve("docs_search", ""); err != nil {
		t.Errorf("previous tool set dropped on failed refresh: %v", err)
	}
}
