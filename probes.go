package praxis

import (
	"context"
	"log/slog"
	"time"
)

// EventProbe is a middleware that emits structured log events around model
// and tool calls: start at debug, completion at info with wall time, and
// failures at warn. It never alters requests or outcomes.
type EventProbe struct {
	logger *slog.Logger
}

var (
	_ ModelCallWrapper = (*EventProbe)(nil)
	_ ToolCallWrapper  = (*EventProbe)(nil)
)

func NewEventProbe(logger *slog.Logger) *EventProbe {
	if logger == nil {
		logger = nopLogger
	}
	return &EventProbe{logger: logger}
}

func (p *EventProbe) Name() string { return "event-probe" }

func (p *EventProbe) WrapModelCall(ctx context.Context, req ChatRequest, tools []ToolDefinition, next ModelCallFunc) (ChatResponse, error) {
	attrs := []any{"model", req.Model, "messages", len(req.Messages), "tools", len(tools)}
	if info, ok := RequestInfoFrom(ctx); ok {
		attrs = append(attrs, "session_id", info.SessionID)
	}
	p.logger.Debug("model_call_started", attrs...)

	start := time.Now()
	resp, err := next(ctx, req, tools)
	elapsed := time.Since(start)

	if err != nil {
		p.logger.Warn("model_call_failed", append(attrs, "duration_ms", elapsed.Milliseconds(), "error", err)...)
		return resp, err
	}
	p.logger.Info("model_call_finished", append(attrs,
		"duration_ms", elapsed.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"tool_calls", len(resp.ToolCalls))...)
	return resp, nil
}

func (p *EventProbe) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (ToolOutcome, error) {
	p.logger.Debug("tool_call_executing", "tool", call.Name, "call_id", call.ID)

	start := time.Now()
	oc, err := next(ctx, call)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		p.logger.Warn("tool_call_failed", "tool", call.Name, "call_id", call.ID,
			"duration_ms", elapsed.Milliseconds(), "error", err)
	case oc.Result != nil && oc.Result.Error != "":
		p.logger.Warn("tool_call_failed", "tool", call.Name, "call_id", call.ID,
			"duration_ms", elapsed.Milliseconds(), "error", oc.Result.Error)
	default:
		p.logger.Info("tool_call_finished", "tool", call.Name, "call_id", call.ID,
			"duration_ms", elapsed.Milliseconds())
	}
	return oc, err
}
