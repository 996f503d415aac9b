package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Provider mocks (shared across driver, supervisor, planner,
// scheduler, and orchestrator tests) ---

// mockProvider pops canned responses in order and records every request it
// sees. When tokens is set, ChatStream emits those instead of the whole
// content in one piece.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse // popped in order
	tokens    [][]string     // optional per-response token splits for ChatStream
	err       error          // returned by every call when set
	requests  []ChatRequest
	idx       int
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	m.mu.Lock()
	var toks []string
	if m.idx < len(m.tokens) {
		toks = m.tokens[m.idx]
	}
	m.mu.Unlock()
	resp, err := m.next(req)
	if err != nil {
		return resp, err
	}
	if toks == nil {
		if resp.Content != "" {
			ch <- resp.Content
		}
		return resp, nil
	}
	for _, tok := range toks {
		ch <- tok
	}
	return resp, nil
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ChatResponse{}, m.err
	}
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp, nil
}

// lastRequest returns the most recent request the mock saw.
func (m *mockProvider) lastRequest(t *testing.T) ChatRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatal("mock provider saw no requests")
	}
	return m.requests[len(m.requests)-1]
}

// --- Tool mocks ---

type mockTool struct{}

func (mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type errTool struct{}

func (errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "explode", Description: "Panics"}}
}

func (panicTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	panic("kaboom")
}

// barrierTool blocks every call until n calls are in flight, proving the
// dispatcher runs them concurrently rather than serially.
type barrierTool struct {
	n       int
	mu      sync.Mutex
	waiting int
	release chan struct{}
	once    sync.Once
}

func newBarrierTool(n int) *barrierTool {
	return &barrierTool{n: n, release: make(chan struct{})}
}

func (b *barrierTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "rendezvous", Description: "Blocks until all calls arrive"}}
}

func (b *barrierTool) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	b.mu.Lock()
	b.waiting++
	if b.waiting == b.n {
		b.once.Do(func() { close(b.release) })
	}
	b.mu.Unlock()
	select {
	case <-b.release:
		return ToolResult{Content: "arrived: " + string(args)}, nil
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return ToolResult{}, errors.New("barrier never released: calls ran serially")
	}
}

// --- State and stream helpers ---

func testState(session string, msgs ...ChatMessage) State {
	return NewState(session, "user-1", "", msgs)
}

// collectEvents drains ch into a slice, failing the test if the producer
// does not close the channel within 5 seconds.
func collectEvents(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream not closed after 5s; got %d events", len(events))
		}
	}
}

func hasEvent(events []StreamEvent, typ StreamEventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// joinedText concatenates all text-delta payloads in order.
func joinedText(events []StreamEvent) string {
	var out string
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			out += ev.Content
		}
	}
	return out
}
