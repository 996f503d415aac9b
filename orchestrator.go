package praxis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultRequestBudget caps one Execute call end to end, covering every
// cycle, tool call, and retry it triggers.
const DefaultRequestBudget = 10 * time.Minute

// Mode selects the execution engine for one request.
type Mode string

const (
	// ModeSingle runs the plain agent loop.
	ModeSingle Mode = "single"
	// ModeMulti routes through the supervisor to specialist workers.
	ModeMulti Mode = "multi"
	// ModeWorkflow plans a step DAG and fans it out over the workers.
	ModeWorkflow Mode = "workflow"
)

// Request is one inbound execution request. An empty Mode means single; an
// empty SessionID starts a new conversation under a fresh id.
type Request struct {
	Mode      Mode          `json:"mode,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	// Template names a workflow template; workflow mode only.
	Template string `json:"template,omitempty"`
}

// ExternalToolSource is a refreshable supplier of externally bridged tools.
// Refresh re-discovers the source's tools into the registry and returns how
// many are now registered.
type ExternalToolSource interface {
	Name() string
	Refresh(ctx context.Context) (int, error)
}

// Orchestrator is the inbound entry point: it owns session admission
// (per-session serialization, the request budget, the session row) and
// dispatches to the engine the request's mode selects. Durability is the
// engines' concern; the orchestrator persists nothing itself.
type Orchestrator struct {
	single     *Driver
	supervisor *Supervisor
	workflow   *WorkflowScheduler
	gate       *Gate
	sessions   SessionStore
	library    *TemplateLibrary
	sources    []ExternalToolSource
	budget     time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes runs for one session. refs counts lock holders and
// waiters so idle entries can be dropped from the table.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSingleAgent installs the engine behind ModeSingle.
func WithSingleAgent(d *Driver) OrchestratorOption {
	return func(o *Orchestrator) { o.single = d }
}

// WithMultiAgent installs the engine behind ModeMulti.
func WithMultiAgent(sv *Supervisor) OrchestratorOption {
	return func(o *Orchestrator) { o.supervisor = sv }
}

// WithWorkflow installs the engine behind ModeWorkflow.
func WithWorkflow(ws *WorkflowScheduler) OrchestratorOption {
	return func(o *Orchestrator) { o.workflow = ws }
}

// WithGate exposes the approval gate through the operator surface.
func WithGate(g *Gate) OrchestratorOption {
	return func(o *Orchestrator) { o.gate = g }
}

// WithSessions records sessions in store on first use.
func WithSessions(store SessionStore) OrchestratorOption {
	return func(o *Orchestrator) { o.sessions = store }
}

// WithTemplates exposes the workflow template catalog.
func WithTemplates(lib *TemplateLibrary) OrchestratorOption {
	return func(o *Orchestrator) { o.library = lib }
}

// WithExternalSources registers refreshable external tool sources.
func WithExternalSources(sources ...ExternalToolSource) OrchestratorOption {
	return func(o *Orchestrator) { o.sources = append(o.sources, sources...) }
}

// WithRequestBudget overrides DefaultRequestBudget. Zero disables the cap.
func WithRequestBudget(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.budget = d
		}
	}
}

func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator builds the entry point. At least one engine must be
// installed.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		budget: DefaultRequestBudget,
		logger: nopLogger,
		locks:  make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.single == nil && o.supervisor == nil && o.workflow == nil {
		panic("praxis: NewOrchestrator requires at least one engine")
	}
	return o
}

// Execute runs one request to completion and returns the final state.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (State, error) {
	return o.execute(ctx, req, nil)
}

// ExecuteStream is Execute with events on ch. The orchestrator guarantees
// channel termination: ch always receives a done event (preceded by an error
// event on failure) and is closed, even when the request never reaches an
// engine.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req Request, ch chan<- StreamEvent) (State, error) {
	return o.execute(ctx, req, ch)
}

func (o *Orchestrator) execute(ctx context.Context, req Request, ch chan<- StreamEvent) (State, error) {
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	if req.SessionID == "" {
		req.SessionID = NewID()
	}
	engine, err := o.engineFor(req.Mode)
	if err != nil {
		if ch != nil {
			finishStream(ctx, ch, "orchestrator", err)
		}
		return State{}, err
	}

	if o.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.budget)
		defer cancel()
	}
	ctx = WithRequestInfo(ctx, RequestInfo{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      req.Role,
	})

	o.logger.Info("chat_request_received",
		"mode", string(req.Mode),
		"session_id", req.SessionID,
		"user_id", req.UserID,
		"messages", len(req.Messages))

	// One active run per session: a second request for the same session
	// queues here until the first commits its final checkpoint.
	unlock := o.lockSession(req.SessionID)
	defer unlock()

	if o.sessions != nil {
		err := o.sessions.EnsureSession(ctx, Session{
			ID:        req.SessionID,
			UserID:    req.UserID,
			Name:      sessionName(req.Messages),
			CreatedAt: NowUnix(),
		})
		if err != nil {
			err = fmt.Errorf("ensure session %s: %w", req.SessionID, err)
			if ch != nil {
				finishStream(ctx, ch, "orchestrator", err)
			}
			return State{}, err
		}
	}

	start := time.Now()
	st := NewState(req.SessionID, req.UserID, req.Role, req.Messages)
	final, err := engine(ctx, st, req, ch)
	if err != nil {
		o.logger.Error("request_failed",
			"mode", string(req.Mode),
			"session_id", req.SessionID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return final, err
	}
	o.logger.Info("request_completed",
		"mode", string(req.Mode),
		"session_id", req.SessionID,
		"duration_ms", time.Since(start).Milliseconds())
	return final, nil
}

// engineFn adapts the three engines to one dispatch shape. A nil ch selects
// the blocking entry point; otherwise the engine owns ch and closes it.
type engineFn func(ctx context.Context, st State, req Request, ch chan<- StreamEvent) (State, error)

func (o *Orchestrator) engineFor(mode Mode) (engineFn, error) {
	switch mode {
	case ModeSingle:
		if o.single == nil {
			return nil, fmt.Errorf("mode %q is not configured", mode)
		}
		return func(ctx context.Context, st State, _ Request, ch chan<- StreamEvent) (State, error) {
			if ch != nil {
				return o.single.RunStream(ctx, st, ch)
			}
			return o.single.Run(ctx, st)
		}, nil
	case ModeMulti:
		if o.supervisor == nil {
			return nil, fmt.Errorf("mode %q is not configured", mode)
		}
		return func(ctx context.Context, st State, _ Request, ch chan<- StreamEvent) (State, error) {
			if ch != nil {
				return o.supervisor.RunStream(ctx, st, ch)
			}
			return o.supervisor.Run(ctx, st)
		}, nil
	case ModeWorkflow:
		if o.workflow == nil {
			return nil, fmt.Errorf("mode %q is not configured", mode)
		}
		return func(ctx context.Context, st State, req Request, ch chan<- StreamEvent) (State, error) {
			if ch != nil {
				return o.workflow.RunStream(ctx, st, req.Template, ch)
			}
			return o.workflow.Run(ctx, st, req.Template)
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// lockSession acquires the per-session mutex and returns its release func.
func (o *Orchestrator) lockSession(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sessionLock{}
		o.locks[id] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.mu.Unlock()
	}
}

// PendingApprovals lists the session's approval requests still awaiting a
// decision. An empty sessionID lists every session's.
func (o *Orchestrator) PendingApprovals(sessionID string) []ApprovalRequest {
	if o.gate == nil {
		return nil
	}
	return o.gate.ListPending(sessionID)
}

// Approve resolves a pending approval request affirmatively.
func (o *Orchestrator) Approve(sessionID, id, comment string) (ApprovalRequest, error) {
	if o.gate == nil {
		return ApprovalRequest{}, fmt.Errorf("no approval gate configured")
	}
	return o.gate.Approve(sessionID, id, comment)
}

// Reject resolves a pending approval request negatively.
func (o *Orchestrator) Reject(sessionID, id, comment string) (ApprovalRequest, error) {
	if o.gate == nil {
		return ApprovalRequest{}, fmt.Errorf("no approval gate configured")
	}
	return o.gate.Reject(sessionID, id, comment)
}

// Templates lists the workflow template catalog.
func (o *Orchestrator) Templates() []TemplateInfo {
	if o.library == nil {
		return nil
	}
	return o.library.List()
}

// RefreshExternalTools re-discovers every registered external source
// concurrently and returns the total tool count. The first source failure
// cancels the rest.
func (o *Orchestrator) RefreshExternalTools(ctx context.Context) (int, error) {
	if len(o.sources) == 0 {
		return 0, nil
	}
	g, ctx := errgroup.WithContext(ctx)
	counts := make([]int, len(o.sources))
	for i, src := range o.sources {
		i, src := i, src
		g.Go(func() error {
			n, err := src.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", src.Name(), err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total int
	for _, n := range counts {
		total += n
	}
	o.logger.Info("external_tools_refreshed",
		"sources", len(o.sources),
		"tools", total)
	return total, nil
}

// sessionName derives a display name for a new session from its first user
// message.
func sessionName(msgs []ChatMessage) string {
	for _, m := range msgs {
		if m.Role == "user" && m.Content != "" {
			return truncateStr(m.Content, 80)
		}
	}
	return "New session"
}
