package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCycleCap bounds reason-act cycles per run. Hitting it stops the
// loop with a policy notice instead of an error.
const DefaultCycleCap = 25

// maxParallelDispatch caps the worker pool used for one cycle's tool calls.
const maxParallelDispatch = 10

// maxToolResultMessageLen is the maximum rune length for a tool result
// stored in message history. Stream events retain the full content.
const maxToolResultMessageLen = 100_000 // ~25K tokens

// Driver runs the reason-act loop for one agent: model call through the
// middleware stack, parallel tool dispatch, append, repeat until the model
// stops calling tools. Every completed cycle is checkpointed, so a crashed
// or cancelled run resumes at the last cycle boundary.
//
// A Driver holds configuration only; all per-run state is local to Run, so
// one Driver may serve concurrent sessions.
type Driver struct {
	name      string
	provider  Provider
	registry  *Registry
	stack     *Stack
	saver     Saver
	namespace string
	cycleCap  int
	model     string
	logger    *slog.Logger

	// dispatch, when set, replaces registry execution as the innermost
	// tool-call function. The supervisor uses it to turn handoff calls into
	// routing commands without touching the registry.
	dispatch ToolCallFunc
	// tools, when set, replaces the registry as the advertised tool list.
	tools []ToolDefinition
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverName names the agent in events, logs, and checkpoints.
func WithDriverName(name string) DriverOption {
	return func(d *Driver) {
		if name != "" {
			d.name = name
		}
	}
}

// WithSaver enables checkpointing through s. Without a saver the driver
// runs stateless: nothing is restored and nothing is persisted.
func WithSaver(s Saver) DriverOption {
	return func(d *Driver) { d.saver = s }
}

// WithStack installs the middleware stack applied to every cycle.
func WithStack(s *Stack) DriverOption {
	return func(d *Driver) { d.stack = s }
}

// WithCycleCap overrides DefaultCycleCap. Values below 1 are ignored.
func WithCycleCap(n int) DriverOption {
	return func(d *Driver) {
		if n >= 1 {
			d.cycleCap = n
		}
	}
}

// WithNamespace sets the checkpoint namespace. The default, empty, is the
// session's main conversation; subsystems isolate their internals under
// their own namespace.
func WithNamespace(ns string) DriverOption {
	return func(d *Driver) { d.namespace = ns }
}

// WithModel pins the model name sent with every request. Empty uses the
// backend default.
func WithModel(model string) DriverOption {
	return func(d *Driver) { d.model = model }
}

func WithDriverLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDriver builds a Driver over a provider and a tool registry. registry
// may be nil for agents that carry a static tool list.
func NewDriver(provider Provider, registry *Registry, opts ...DriverOption) *Driver {
	if provider == nil {
		panic("praxis: NewDriver requires a provider")
	}
	d := &Driver{
		name:     "agent",
		provider: provider,
		registry: registry,
		cycleCap: DefaultCycleCap,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the loop to completion and returns the final state.
func (d *Driver) Run(ctx context.Context, st State) (State, error) {
	final, _, err := d.run(ctx, st, nil)
	return final, err
}

// RunStream is Run with incremental events delivered on ch. The driver owns
// ch: it emits a terminal done event (preceded by an error event when the
// run failed) and closes the channel before returning.
func (d *Driver) RunStream(ctx context.Context, st State, ch chan<- StreamEvent) (State, error) {
	final, _, err := d.run(ctx, st, ch)
	finishStream(ctx, ch, d.name, err)
	return final, err
}

// run is the loop core shared by the public entry points and the router.
// It emits events but never closes ch, so callers can layer their own
// events around a run. The returned Command is non-nil when a tool outcome
// requested a handoff; the state then holds everything up to the handoff.
func (d *Driver) run(ctx context.Context, st State, ch chan<- StreamEvent) (State, *Command, error) {
	if _, ok := RequestInfoFrom(ctx); !ok {
		ctx = WithRequestInfo(ctx, RequestInfo{
			SessionID: st.SessionID(),
			UserID:    st.UserID(),
			Role:      st.Role(),
		})
	}

	st, parent := d.restore(ctx, st)

	d.emit(ctx, ch, StreamEvent{Type: EventProcessingStart})
	d.logger.Info("agent_loop_started",
		"agent", d.name,
		"session_id", st.SessionID(),
		"messages", len(st.Messages))

	// streamed tracks whether the base call already delivered the final
	// text as deltas, so the no-tool-call branch does not emit it twice.
	var streamed bool
	base := func(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
		if len(tools) > 0 {
			return d.provider.ChatWithTools(ctx, req, tools)
		}
		if ch != nil {
			streamed = true
			return d.streamModelCall(ctx, req, ch)
		}
		return d.provider.Chat(ctx, req)
	}
	modelCall := d.stack.ModelCall(base)
	toolCall := d.stack.ToolCall(d.baseToolCall())

	for cycle := 0; cycle < d.cycleCap; cycle++ {
		if err := ctx.Err(); err != nil {
			return st, nil, err
		}

		if err := d.stack.BeforeModel(ctx, &st); err != nil {
			return d.finishHalt(ctx, st, ch, parent, cycle, err)
		}

		tools := d.toolList(st.Role())
		streamed = false
		resp, err := modelCall(ctx, ChatRequest{Model: d.model, Messages: st.Messages, Tools: tools}, tools)
		if err != nil {
			return d.finishHalt(ctx, st, ch, parent, cycle, err)
		}

		mark := len(st.Messages)
		reply := AssistantMessage(resp.Content)
		reply.ToolCalls = resp.ToolCalls
		st.Append(reply)

		if err := d.stack.AfterModel(ctx, &st, &resp); err != nil {
			return d.finishHalt(ctx, st, ch, parent, cycle, err)
		}

		// No tool calls: the reply is the final response.
		if len(resp.ToolCalls) == 0 {
			if !streamed && resp.Content != "" {
				d.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: resp.Content})
			}
			parent, err = d.checkpoint(ctx, st, ch, parent, cycle, st.Messages[mark:])
			if err != nil {
				return st, nil, err
			}
			d.logger.Info("agent_loop_finished",
				"agent", d.name,
				"session_id", st.SessionID(),
				"cycles", cycle+1)
			return st, nil, nil
		}

		for _, tc := range resp.ToolCalls {
			d.emit(ctx, ch, StreamEvent{Type: EventToolCallStart, ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}

		outcomes := dispatchParallel(ctx, resp.ToolCalls, toolCall)

		// A cancellation mid-dispatch leaves this cycle uncommitted; the
		// checkpoint store keeps the last fully completed cycle.
		if err := ctx.Err(); err != nil {
			return st, nil, err
		}

		var cmd *Command
		for i, tc := range resp.ToolCalls {
			oc := outcomes[i]
			if oc.err != nil {
				return d.finishHalt(ctx, st, ch, parent, cycle, oc.err)
			}
			if oc.outcome.Command != nil {
				if cmd == nil {
					cmd = oc.outcome.Command
				}
				note := "Transferring to " + oc.outcome.Command.Goto
				if r := oc.outcome.Command.Request; r != "" {
					note += ": " + r
				}
				st.Append(ToolResultMessage(tc.ID, note))
				d.emit(ctx, ch, StreamEvent{Type: EventToolCallResult, ID: tc.ID, Name: tc.Name, Content: note, Duration: oc.duration})
				continue
			}

			content := toolResultContent(oc.outcome.Result)
			if strings.HasPrefix(content, approvalRequiredPrefix) {
				d.emit(ctx, ch, StreamEvent{
					Type:    EventApprovalRequired,
					ID:      approvalIDFrom(content),
					Name:    tc.Name,
					Content: content,
				})
			} else {
				d.emit(ctx, ch, StreamEvent{
					Type:     EventToolCallResult,
					ID:       tc.ID,
					Name:     tc.Name,
					Content:  content,
					Duration: oc.duration,
				})
			}

			// Truncate oversized tool results before they enter history so
			// one verbose tool cannot blow up every later model call.
			if len([]rune(content)) > maxToolResultMessageLen {
				content = truncateStr(content, maxToolResultMessageLen) + "\n\n[output truncated — original was longer]"
			}
			st.Append(ToolResultMessage(tc.ID, content))
		}

		parent, err = d.checkpoint(ctx, st, ch, parent, cycle, st.Messages[mark:])
		if err != nil {
			return st, nil, err
		}

		if cmd != nil {
			d.logger.Info("agent_handoff",
				"agent", d.name,
				"goto", cmd.Goto,
				"session_id", st.SessionID())
			return st, cmd, nil
		}
	}

	// Cycle cap: surface a policy notice instead of an error so the caller
	// still gets a well-formed final state.
	d.logger.Warn("cycle_cap_exceeded", "agent", d.name, "cycles", d.cycleCap)
	notice := fmt.Sprintf("Reached the cycle cap of %d reasoning cycles without a final answer; stopping here.", d.cycleCap)
	st.Append(AssistantMessage(notice))
	d.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: notice})
	if _, err := d.checkpoint(ctx, st, ch, parent, d.cycleCap, st.Messages[len(st.Messages)-1:]); err != nil {
		return st, nil, err
	}
	return st, nil, nil
}

// detached returns a copy of d that neither restores nor persists
// checkpoints. The workflow scheduler uses it for step tasks, whose
// durability unit is the round rather than the inner loop.
func (d *Driver) detached() *Driver {
	dd := *d
	dd.saver = nil
	return &dd
}

// finishHalt converts an ErrHalt from any hook into a graceful final
// response; every other error fails the run.
func (d *Driver) finishHalt(ctx context.Context, st State, ch chan<- StreamEvent, parent string, cycle int, err error) (State, *Command, error) {
	var halt *ErrHalt
	if !errors.As(err, &halt) {
		return st, nil, err
	}
	d.logger.Info("agent_loop_halted", "agent", d.name, "response", truncateStr(halt.Response, 200))
	st.Append(AssistantMessage(halt.Response))
	d.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: halt.Response})
	if _, cerr := d.checkpoint(ctx, st, ch, parent, cycle, st.Messages[len(st.Messages)-1:]); cerr != nil {
		return st, nil, cerr
	}
	return st, nil, nil
}

// restore merges the incoming state onto the latest checkpoint for the
// session: checkpointed history first, then incoming messages whose IDs are
// not already present. Incoming metadata wins so a request can update the
// caller identity. A failed lookup starts the session fresh instead of
// failing the run.
func (d *Driver) restore(ctx context.Context, st State) (State, string) {
	if d.saver == nil {
		return st, ""
	}
	cp, ok, err := d.saver.Latest(ctx, st.SessionID(), d.namespace)
	if err != nil {
		d.logger.Warn("checkpoint_restore_failed",
			"agent", d.name,
			"session_id", st.SessionID(),
			"namespace", d.namespace,
			"error", err)
		return st, ""
	}
	if !ok {
		return st, ""
	}
	merged := cp.State.Clone()
	if merged.Meta == nil {
		merged.Meta = make(map[string]string, len(st.Meta))
	}
	for k, v := range st.Meta {
		merged.Meta[k] = v
	}
	merged.Messages = mergeMessages(merged.Messages, st.Messages)
	return merged, cp.ID
}

// checkpoint persists st at a cycle boundary. The cycle's appended messages
// ride along as pending writes, recorded atomically with the checkpoint row.
func (d *Driver) checkpoint(ctx context.Context, st State, ch chan<- StreamEvent, parent string, cycle int, appended []ChatMessage) (string, error) {
	if d.saver == nil {
		return parent, nil
	}
	cp := Checkpoint{
		ThreadID:  st.SessionID(),
		Namespace: d.namespace,
		ID:        NewID(),
		ParentID:  parent,
		State:     st.Clone(),
		Metadata:  map[string]string{"agent": d.name, "node": "cycle"},
		CreatedAt: NowUnix(),
	}
	taskID := fmt.Sprintf("cycle_%d", cycle)
	writes := make([]PendingWrite, 0, len(appended))
	for i, m := range appended {
		b, err := json.Marshal(m)
		if err != nil {
			return parent, fmt.Errorf("encode pending write: %w", err)
		}
		writes = append(writes, PendingWrite{TaskID: taskID, Idx: i, Channel: "messages", Value: b})
	}
	if err := d.saver.Put(ctx, cp, writes); err != nil {
		return parent, fmt.Errorf("checkpoint cycle %d: %w", cycle, err)
	}
	d.emit(ctx, ch, StreamEvent{Type: EventCheckpointSaved, ID: cp.ID})
	d.logger.Debug("checkpoint_saved",
		"agent", d.name,
		"thread_id", cp.ThreadID,
		"namespace", cp.Namespace,
		"checkpoint_id", cp.ID)
	return cp.ID, nil
}

// streamModelCall forwards provider tokens to ch as text deltas and returns
// the final response. The provider closes the token channel when the stream
// ends.
func (d *Driver) streamModelCall(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	tokens := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for tok := range tokens {
			d.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Content: tok})
		}
	}()
	resp, err := d.provider.ChatStream(ctx, req, tokens)
	<-done
	return resp, err
}

// toolList is the advertised tool set for one cycle: the static override
// when present, otherwise the registry's role view.
func (d *Driver) toolList(role string) []ToolDefinition {
	if d.tools != nil {
		return d.tools
	}
	if d.registry == nil {
		return nil
	}
	return d.registry.List(role)
}

// baseToolCall is the innermost tool dispatch: resolve against the registry
// under the caller's role and execute. Tool failures never abort the loop;
// they become error-shaped results the model can react to.
func (d *Driver) baseToolCall() ToolCallFunc {
	if d.dispatch != nil {
		return d.dispatch
	}
	return func(ctx context.Context, call ToolCall) (ToolOutcome, error) {
		if d.registry == nil {
			return ResultOutcome(ToolResult{Error: (&ErrToolNotFound{Name: call.Name}).Error()}), nil
		}
		var role string
		if info, ok := RequestInfoFrom(ctx); ok {
			role = info.Role
		}
		t, _, err := d.registry.Resolve(call.Name, role)
		if err != nil {
			return ResultOutcome(ToolResult{Error: err.Error()}), nil
		}
		res, err := t.Execute(ctx, call.Name, call.Args)
		if err != nil {
			return ResultOutcome(ToolResult{Error: err.Error()}), nil
		}
		return ResultOutcome(res), nil
	}
}

func (d *Driver) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	if ev.Agent == "" {
		ev.Agent = d.name
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// finishStream emits the terminal events on ch and closes it. err, when
// non-nil, is surfaced as an error event before done.
func finishStream(ctx context.Context, ch chan<- StreamEvent, agent string, err error) {
	if ch == nil {
		return
	}
	if err != nil {
		select {
		case ch <- StreamEvent{Type: EventError, Agent: agent, Content: err.Error()}:
		case <-ctx.Done():
		}
	}
	select {
	case ch <- StreamEvent{Type: EventDone, Agent: agent}:
	default:
	}
	safeCloseCh(ch)
}

// toolResultContent renders a ToolResult for history and events. Failures
// take the error shape the loop's consumers key on.
func toolResultContent(r *ToolResult) string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return r.Content
}

// approvalIDFrom extracts the request id from an approval-required result.
func approvalIDFrom(content string) string {
	rest := strings.TrimPrefix(content, approvalRequiredPrefix)
	if i := strings.IndexAny(rest, ". \n"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// --- parallel tool dispatch ---

// dispatchOutcome pairs one wrapped tool-call outcome with its duration.
type dispatchOutcome struct {
	outcome  ToolOutcome
	err      error
	duration time.Duration
}

// indexedOutcome carries a dispatch outcome back with its position in the
// original call slice, allowing channel-based collection in order.
type indexedOutcome struct {
	idx int
	oc  dispatchOutcome
}

// safeToolCall runs one wrapped tool call with panic recovery. A panicking
// tool is converted to an error-shaped result instead of crashing the loop.
func safeToolCall(ctx context.Context, fn ToolCallFunc, call ToolCall) (out dispatchOutcome) {
	start := time.Now()
	defer func() {
		out.duration = time.Since(start)
		if p := recover(); p != nil {
			out.outcome = ResultOutcome(ToolResult{Error: fmt.Sprintf("tool %q panic: %v", call.Name, p)})
			out.err = nil
		}
	}()
	oc, err := fn(ctx, call)
	out.outcome = oc
	out.err = err
	return out
}

// dispatchParallel runs all tool calls concurrently through the wrapped
// dispatch function and returns outcomes in call order. Single calls run
// inline. Multiple calls use a fixed pool of min(len(calls),
// maxParallelDispatch) workers pulling from a shared work channel, avoiding
// unbounded goroutine creation.
//
// The collection loop is context-aware: when ctx is cancelled while calls
// are in-flight, incomplete slots are filled with the context error instead
// of blocking indefinitely.
func dispatchParallel(ctx context.Context, calls []ToolCall, fn ToolCallFunc) []dispatchOutcome {
	if len(calls) == 1 {
		return []dispatchOutcome{safeToolCall(ctx, fn, calls[0])}
	}

	resultCh := make(chan indexedOutcome, len(calls))

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if err := ctx.Err(); err != nil {
					resultCh <- indexedOutcome{w.idx, dispatchOutcome{outcome: ResultOutcome(ToolResult{Error: err.Error()})}}
					continue
				}
				resultCh <- indexedOutcome{w.idx, safeToolCall(ctx, fn, w.tc)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]dispatchOutcome, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.oc
			seen[r.idx] = true
		case <-ctx.Done():
			errOutcome := dispatchOutcome{outcome: ResultOutcome(ToolResult{Error: ctx.Err().Error()})}
			for i := range results {
				if !seen[i] {
					results[i] = errOutcome
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = dispatchOutcome{outcome: ResultOutcome(ToolResult{Error: "result not received"})}
		}
	}
	return results
}
