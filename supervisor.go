package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// handoffPrefix names the routing descriptors the supervisor sees as tools.
const handoffPrefix = "transfer_to_"

// Supervisor routes each request to one specialist worker. The supervisor
// agent's only tools are handoff descriptors; emitting one hands the
// conversation to that worker, which runs a full loop over the real tool
// set and answers the user directly. No handoff means the supervisor's own
// reply is final.
type Supervisor struct {
	workers  *Workers
	provider Provider
	saver    Saver
	model    string
	mws      []Middleware
	logger   *slog.Logger

	mu  sync.RWMutex
	sup *Driver
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorSaver enables checkpointing for the routing agent. Use the
// same saver as the workers so the conversation forms one lineage.
func WithSupervisorSaver(s Saver) SupervisorOption {
	return func(sv *Supervisor) { sv.saver = s }
}

// WithSupervisorMiddleware appends middleware to the routing agent's stack,
// after the supervisor directive. The approval gate belongs on the workers,
// not here: handoffs must never be intercepted.
func WithSupervisorMiddleware(mws ...Middleware) SupervisorOption {
	return func(sv *Supervisor) { sv.mws = append(sv.mws, mws...) }
}

func WithSupervisorModel(model string) SupervisorOption {
	return func(sv *Supervisor) { sv.model = model }
}

func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(sv *Supervisor) {
		if l != nil {
			sv.logger = l
		}
	}
}

// NewSupervisor builds a router over the given worker registry.
func NewSupervisor(provider Provider, workers *Workers, opts ...SupervisorOption) *Supervisor {
	if provider == nil {
		panic("praxis: NewSupervisor requires a provider")
	}
	if workers == nil {
		panic("praxis: NewSupervisor requires a worker registry")
	}
	sv := &Supervisor{
		workers:  workers,
		provider: provider,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(sv)
	}
	sv.mu.Lock()
	sv.rebuildLocked()
	sv.mu.Unlock()
	return sv
}

// RegisterWorker adds or replaces a worker and rebuilds the supervisor's
// handoff tool set and directive.
func (sv *Supervisor) RegisterWorker(name, directive, description string) error {
	if err := sv.workers.Register(WorkerSpec{Name: name, Directive: directive, Description: description}); err != nil {
		return err
	}
	sv.mu.Lock()
	sv.rebuildLocked()
	sv.mu.Unlock()
	return nil
}

// rebuildLocked reconstructs the routing agent from the current worker set.
func (sv *Supervisor) rebuildLocked() {
	infos := sv.workers.Infos()
	stack := NewStack(append([]Middleware{NewDirective(supervisorDirective(infos))}, sv.mws...)...)
	d := NewDriver(sv.provider, nil,
		WithDriverName("supervisor"),
		WithStack(stack),
		WithSaver(sv.saver),
		WithModel(sv.model),
		WithDriverLogger(sv.logger),
	)
	d.tools = handoffDefinitions(infos)
	d.dispatch = sv.handoffDispatch()
	sv.sup = d
}

// Run routes one request to completion and returns the final state.
func (sv *Supervisor) Run(ctx context.Context, st State) (State, error) {
	return sv.execute(ctx, st, nil)
}

// RunStream is Run with events on ch. The supervisor owns ch: it emits the
// terminal events and closes the channel before returning. Worker deltas
// are relayed with the worker's name in the Agent field.
func (sv *Supervisor) RunStream(ctx context.Context, st State, ch chan<- StreamEvent) (State, error) {
	final, err := sv.execute(ctx, st, ch)
	finishStream(ctx, ch, "supervisor", err)
	return final, err
}

func (sv *Supervisor) execute(ctx context.Context, st State, ch chan<- StreamEvent) (State, error) {
	sv.mu.RLock()
	sup := sv.sup
	sv.mu.RUnlock()

	supState, cmd, err := sup.run(ctx, st, ch)
	if err != nil || cmd == nil {
		return supState, err
	}

	sv.logger.Info("supervisor_routed",
		"worker", cmd.Goto,
		"session_id", supState.SessionID())
	if ch != nil {
		select {
		case ch <- StreamEvent{Type: EventHandoff, Agent: "supervisor", Name: cmd.Goto, Content: cmd.Request}:
		case <-ctx.Done():
			return supState, ctx.Err()
		}
	}

	spec, wd, ok := sv.workers.Get(cmd.Goto)
	if !ok {
		// The dispatch only emits commands for registered workers, so this
		// indicates the worker was removed mid-flight.
		supState.Append(AssistantMessage(fmt.Sprintf("The %s specialist is not available. Please try again.", cmd.Goto)))
		return supState, nil
	}

	wState, _, werr := wd.run(ctx, supState, ch)
	if werr != nil {
		if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
			return wState, werr
		}
		sv.logger.Error("worker_failed", "worker", spec.Name, "error", werr)
		wState.Append(AssistantMessage(fmt.Sprintf("The %s specialist encountered an error. Please try again.", spec.Name)))
		return wState, nil
	}
	sv.logger.Info("worker_completed", "worker", spec.Name)
	return wState, nil
}

// handoffDispatch is the routing agent's innermost tool-call function: a
// handoff descriptor becomes a routing command instead of executing.
func (sv *Supervisor) handoffDispatch() ToolCallFunc {
	return func(ctx context.Context, call ToolCall) (ToolOutcome, error) {
		name, ok := strings.CutPrefix(call.Name, handoffPrefix)
		if !ok || !sv.workers.Has(name) {
			return ResultOutcome(ToolResult{Error: (&ErrToolNotFound{Name: call.Name}).Error()}), nil
		}
		var args struct {
			Request string `json:"request"`
		}
		if len(call.Args) > 0 {
			// Malformed arguments still route; the worker sees the full
			// conversation either way.
			_ = json.Unmarshal(call.Args, &args)
		}
		return CommandOutcome(Command{Goto: name, Request: args.Request}), nil
	}
}

// supervisorDirective renders the routing persona with the worker catalog.
func supervisorDirective(infos []WorkerInfo) string {
	var b strings.Builder
	b.WriteString("You are a Supervisor agent. Your job is to analyze the user's request " +
		"and route it to the most appropriate specialist worker.\n\n## Available Workers\n")
	for _, w := range infos {
		fmt.Fprintf(&b, "- **%s**: %s\n", w.Name, w.Description)
	}
	b.WriteString("\n## Instructions\n" +
		"1. Analyze the user's request carefully.\n" +
		"2. If the request matches a worker's specialty, delegate to that worker " +
		"by calling the corresponding transfer tool (e.g., transfer_to_researcher).\n" +
		"3. If it's a general conversation, respond directly without delegating.\n" +
		"4. Always provide a brief reasoning for your routing decision.")
	return b.String()
}

// handoffDefinitions builds one declarative descriptor per worker. The
// schema carries the forwarded request so the worker task is explicit in
// the transcript.
func handoffDefinitions(infos []WorkerInfo) []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(infos))
	for _, w := range infos {
		defs = append(defs, ToolDefinition{
			Name:        handoffPrefix + w.Name,
			Description: fmt.Sprintf("Transfer to %s specialist. Use when the request involves: %s", w.Name, w.Description),
			Parameters:  json.RawMessage(`{"type":"object","properties":{"request":{"type":"string","description":"The request to forward to the specialist."}},"required":["request"]}`),
		})
	}
	return defs
}
