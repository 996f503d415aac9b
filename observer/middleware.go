package observer

import (
	"context"
	"time"

	praxis "github.com/nevindra/praxis"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	praxislog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracing is a middleware that opens a span around every model and tool
// call. Spans nest under the run span when StartRun seeded the context, so
// one request reads as a single trace.
type Tracing struct {
	inst *Instruments
}

// NewTracing returns a span-emitting middleware backed by inst.
func NewTracing(inst *Instruments) *Tracing {
	return &Tracing{inst: inst}
}

func (t *Tracing) Name() string { return "observer-tracing" }

func (t *Tracing) WrapModelCall(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition, next praxis.ModelCallFunc) (praxis.ChatResponse, error) {
	spanName := "llm.chat"
	method := "chat"
	opts := []trace.SpanStartOption{
		trace.WithAttributes(AttrLLMModel.String(req.Model)),
	}
	if len(tools) > 0 {
		toolNames := make([]string, len(tools))
		for i, d := range tools {
			toolNames[i] = d.Name
		}
		opts = append(opts, trace.WithAttributes(
			AttrToolCount.Int(len(tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}
	opts = append(opts, trace.WithAttributes(AttrLLMMethod.String(method)))
	if info, ok := praxis.RequestInfoFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(AttrSessionID.String(info.SessionID)))
	}

	ctx, span := t.inst.Tracer.Start(ctx, spanName, opts...)
	defer span.End()

	resp, err := next(ctx, req, tools)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	cost := t.inst.Cost.Calculate(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)
	return resp, nil
}

func (t *Tracing) WrapToolCall(ctx context.Context, call praxis.ToolCall, next praxis.ToolCallFunc) (praxis.ToolOutcome, error) {
	ctx, span := t.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(call.Name),
	))
	defer span.End()

	oc, err := next(ctx, call)

	status := outcomeStatus(oc, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLength(oc)),
	)
	return oc, err
}

// Metrics is a middleware that records token, cost, and latency instruments
// for every model call, and execution counters for every tool call. It also
// emits one structured OTEL log record per call.
type Metrics struct {
	inst *Instruments
}

// NewMetrics returns an instrument-recording middleware backed by inst.
func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{inst: inst}
}

func (m *Metrics) Name() string { return "observer-metrics" }

func (m *Metrics) WrapModelCall(ctx context.Context, req praxis.ChatRequest, tools []praxis.ToolDefinition, next praxis.ModelCallFunc) (praxis.ChatResponse, error) {
	method := "chat"
	if len(tools) > 0 {
		method = "chat_with_tools"
	}
	start := time.Now()

	resp, err := next(ctx, req, tools)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.record(ctx, req.Model, method, status, durationMs, resp.Usage)
	return resp, err
}

func (m *Metrics) record(ctx context.Context, model, method, status string, durationMs float64, usage praxis.Usage) {
	cost := m.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMMethod.String(method),
	)

	m.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		attribute.String("direction", "input"),
	))
	m.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		attribute.String("direction", "output"),
	))
	m.inst.CostTotal.Add(ctx, cost, attrs)
	m.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	m.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec praxislog.Record
	rec.SetSeverity(praxislog.SeverityInfo)
	rec.SetBody(praxislog.StringValue("llm call completed"))
	rec.AddAttributes(
		praxislog.String("llm.model", model),
		praxislog.String("llm.method", method),
		praxislog.Int("llm.tokens.input", usage.InputTokens),
		praxislog.Int("llm.tokens.output", usage.OutputTokens),
		praxislog.Float64("llm.cost_usd", cost),
		praxislog.Float64("llm.duration_ms", durationMs),
		praxislog.String("status", status),
	)
	m.inst.Logger.Emit(ctx, rec)
}

func (m *Metrics) WrapToolCall(ctx context.Context, call praxis.ToolCall, next praxis.ToolCallFunc) (praxis.ToolOutcome, error) {
	start := time.Now()

	oc, err := next(ctx, call)

	durationMs := float64(time.Since(start).Milliseconds())
	status := outcomeStatus(oc, err)

	m.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(call.Name),
		attribute.String("status", status),
	))
	m.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(call.Name),
	))

	// Structured log
	var rec praxislog.Record
	rec.SetSeverity(praxislog.SeverityInfo)
	rec.SetBody(praxislog.StringValue("tool executed"))
	rec.AddAttributes(
		praxislog.String("tool.name", call.Name),
		praxislog.String("tool.status", status),
		praxislog.Int("tool.result_length", resultLength(oc)),
		praxislog.Float64("tool.duration_ms", durationMs),
	)
	m.inst.Logger.Emit(ctx, rec)

	return oc, err
}

// outcomeStatus classifies a tool outcome for span and metric labels.
func outcomeStatus(oc praxis.ToolOutcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case oc.Command != nil:
		return "handoff"
	case oc.Result != nil && oc.Result.Error != "":
		return "tool_error"
	default:
		return "ok"
	}
}

func resultLength(oc praxis.ToolOutcome) int {
	if oc.Result == nil {
		return 0
	}
	return len(oc.Result.Content)
}

// compile-time checks
var (
	_ praxis.Middleware       = (*Tracing)(nil)
	_ praxis.ModelCallWrapper = (*Tracing)(nil)
	_ praxis.ToolCallWrapper  = (*Tracing)(nil)
	_ praxis.Middleware       = (*Metrics)(nil)
	_ praxis.ModelCallWrapper = (*Metrics)(nil)
	_ praxis.ToolCallWrapper  = (*Metrics)(nil)
)
