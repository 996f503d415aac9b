package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	praxis "github.com/nevindra/praxis"
)

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// Tracing middleware tests
// ---------------------------------------------------------------------------

func TestTracingWrapModelCall(t *testing.T) {
	want := praxis.ChatResponse{
		Content: "hello from LLM",
		Usage:   praxis.Usage{InputTokens: 10, OutputTokens: 5},
	}
	mw := NewTracing(testInstruments(t))

	calls := 0
	next := func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
		calls++
		if req.Model != "gpt-4o-mini" {
			t.Errorf("req.Model = %q, want %q", req.Model, "gpt-4o-mini")
		}
		return want, nil
	}

	ctx := praxis.WithRequestInfo(context.Background(), praxis.RequestInfo{SessionID: "s-1"})
	got, err := mw.WrapModelCall(ctx, praxis.ChatRequest{Model: "gpt-4o-mini"}, nil, next)
	if err != nil {
		t.Fatalf("WrapModelCall returned unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("next called %d times, want 1", calls)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestTracingWrapModelCallWithTools(t *testing.T) {
	want := praxis.ChatResponse{
		Content: "tool response",
		ToolCalls: []praxis.ToolCall{
			{ID: "call-1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
		},
		Usage: praxis.Usage{InputTokens: 20, OutputTokens: 15},
	}
	mw := NewTracing(testInstruments(t))

	next := func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
		if len(tools) != 1 {
			t.Errorf("next got %d tools, want 1", len(tools))
		}
		return want, nil
	}

	tools := []praxis.ToolDefinition{{Name: "search", Description: "search things"}}
	got, err := mw.WrapModelCall(context.Background(), praxis.ChatRequest{Model: "m"}, tools, next)
	if err != nil {
		t.Fatalf("WrapModelCall returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Name != "search" {
		t.Errorf("ToolCalls[0].Name = %q, want %q", got.ToolCalls[0].Name, "search")
	}
}

func TestTracingWrapModelCallError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	mw := NewTracing(testInstruments(t))

	next := func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
		return praxis.ChatResponse{}, wantErr
	}

	_, err := mw.WrapModelCall(context.Background(), praxis.ChatRequest{Model: "m"}, nil, next)
	if !errors.Is(err, wantErr) {
		t.Errorf("WrapModelCall error = %v, want %v", err, wantErr)
	}
}

func TestTracingWrapToolCall(t *testing.T) {
	want := praxis.ResultOutcome(praxis.ToolResult{Content: "result data"})
	mw := NewTracing(testInstruments(t))

	next := func(ctx context.Context, call praxis.ToolCall) (praxis.ToolOutcome, error) {
		if call.Name != "search" {
			t.Errorf("call.Name = %q, want %q", call.Name, "search")
		}
		return want, nil
	}

	got, err := mw.WrapToolCall(context.Background(), praxis.ToolCall{ID: "c1", Name: "search"}, next)
	if err != nil {
		t.Fatalf("WrapToolCall returned unexpected error: %v", err)
	}
	if got.Result == nil || got.Result.Content != "result data" {
		t.Errorf("outcome = %+v, want result %q", got, "result data")
	}
}

func TestTracingWrapToolCallError(t *testing.T) {
	wantErr := errors.New("tool broken")
	mw := NewTracing(testInstruments(t))

	next := func(ctx context.Context, call praxis.ToolCall) (praxis.ToolOutcome, error) {
		return praxis.ToolOutcome{}, wantErr
	}

	_, err := mw.WrapToolCall(context.Background(), praxis.ToolCall{Name: "search"}, next)
	if !errors.Is(err, wantErr) {
		t.Errorf("WrapToolCall error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// Metrics middleware tests
// ---------------------------------------------------------------------------

func TestMetricsWrapModelCall(t *testing.T) {
	want := praxis.ChatResponse{
		Content: "hello",
		Usage:   praxis.Usage{InputTokens: 8, OutputTokens: 2},
	}
	mw := NewMetrics(testInstruments(t))

	got, err := mw.WrapModelCall(context.Background(), praxis.ChatRequest{Model: "m"}, nil,
		func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
			return want, nil
		})
	if err != nil {
		t.Fatalf("WrapModelCall returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestMetricsWrapModelCallError(t *testing.T) {
	wantErr := errors.New("backend down")
	mw := NewMetrics(testInstruments(t))

	_, err := mw.WrapModelCall(context.Background(), praxis.ChatRequest{Model: "m"}, nil,
		func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
			return praxis.ChatResponse{}, wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Errorf("WrapModelCall error = %v, want %v", err, wantErr)
	}
}

func TestMetricsWrapToolCallCommand(t *testing.T) {
	mw := NewMetrics(testInstruments(t))

	got, err := mw.WrapToolCall(context.Background(), praxis.ToolCall{Name: "transfer_to_coder"},
		func(ctx context.Context, call praxis.ToolCall) (praxis.ToolOutcome, error) {
			return praxis.CommandOutcome(praxis.Command{Goto: "coder"}), nil
		})
	if err != nil {
		t.Fatalf("WrapToolCall returned unexpected error: %v", err)
	}
	if got.Command == nil || got.Command.Goto != "coder" {
		t.Errorf("outcome = %+v, want command goto %q", got, "coder")
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name string
		oc   praxis.ToolOutcome
		err  error
		want string
	}{
		{"error", praxis.ToolOutcome{}, errors.New("boom"), "error"},
		{"handoff", praxis.CommandOutcome(praxis.Command{Goto: "coder"}), nil, "handoff"},
		{"tool_error", praxis.ResultOutcome(praxis.ToolResult{Error: "bad args"}), nil, "tool_error"},
		{"ok", praxis.ResultOutcome(praxis.ToolResult{Content: "fine"}), nil, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeStatus(tt.oc, tt.err); got != tt.want {
				t.Errorf("outcomeStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Stack integration and run helper
// ---------------------------------------------------------------------------

func TestMiddlewaresComposeInStack(t *testing.T) {
	inst := testInstruments(t)
	stack := praxis.NewStack(NewTracing(inst), NewMetrics(inst))

	want := praxis.ChatResponse{Content: "composed"}
	fn := stack.ModelCall(func(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition) (praxis.ChatResponse, error) {
		return want, nil
	})

	got, err := fn(context.Background(), praxis.ChatRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("composed model call returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
}

func TestStartRunFinish(t *testing.T) {
	inst := testInstruments(t)

	ctx, finish := StartRun(context.Background(), inst, "single", "s-1")
	if ctx == nil {
		t.Fatal("StartRun returned nil context")
	}
	finish(nil)

	_, finish = StartRun(context.Background(), inst, "workflow", "s-2")
	finish(errors.New("plan stuck"))
}

func TestStartRunCancelled(t *testing.T) {
	inst := testInstruments(t)

	ctx, cancel := context.WithCancel(context.Background())
	runCtx, finish := StartRun(ctx, inst, "single", "s-3")
	cancel()
	if runCtx.Err() == nil {
		t.Fatal("derived context should observe cancellation")
	}
	finish(context.Canceled)
}
