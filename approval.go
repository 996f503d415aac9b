package praxis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest. Transitions
// are strictly monotonic: pending moves to exactly one terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest records one sensitive action awaiting a human decision.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	UserID            string         `json:"user_id,omitempty"`
	ActionType        string         `json:"action_type"`
	ActionDescription string         `json:"action_description"`
	ActionData        map[string]any `json:"action_data,omitempty"`
	Status            ApprovalStatus `json:"status"`
	CreatedAt         int64          `json:"created_at"`
	ResolvedAt        int64          `json:"resolved_at,omitempty"`
	ReviewerComment   string         `json:"reviewer_comment,omitempty"`
	ExpiresAt         int64          `json:"expires_at"`
}

// latch is a one-shot completion signal shared by every waiter of a request.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch { return &latch{ch: make(chan struct{})} }

func (l *latch) fire() { l.once.Do(func() { close(l.ch) }) }

func (l *latch) done() <-chan struct{} { return l.ch }

// DefaultApprovalTTL is how long a pending request stays actionable.
const DefaultApprovalTTL = time.Hour

type approvalEntry struct {
	req   ApprovalRequest
	latch *latch
}

// Gate is the process-wide approval registry. Every pending request owns one
// completion signal; resolution fires it exactly once and wakes all waiters.
type Gate struct {
	mu      sync.Mutex
	entries map[string]*approvalEntry
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type GateOption func(*Gate)

// WithGateTTL overrides the default expiry applied when Create receives a
// non-positive ttl.
func WithGateTTL(ttl time.Duration) GateOption {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateClock substitutes the time source, for tests.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		entries: make(map[string]*approvalEntry),
		ttl:     DefaultApprovalTTL,
		logger:  nopLogger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create inserts a pending request with expires_at = now + ttl and an
// unresolved completion signal. A non-positive ttl uses the gate default.
func (g *Gate) Create(sessionID, userID, actionType, description string, data map[string]any, ttl time.Duration) ApprovalRequest {
	if ttl <= 0 {
		ttl = g.ttl
	}
	now := g.now()
	req := ApprovalRequest{
		ID:                NewID(),
		SessionID:         sessionID,
		UserID:            userID,
		ActionType:        actionType,
		ActionDescription: description,
		ActionData:        data,
		Status:            ApprovalPending,
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(ttl).Unix(),
	}
	g.mu.Lock()
	g.entries[req.ID] = &approvalEntry{req: req, latch: newLatch()}
	g.mu.Unlock()
	g.logger.Info("approval_request_created",
		"approval_id", req.ID,
		"session_id", sessionID,
		"action_type", actionType,
		"expires_at", req.ExpiresAt)
	return req
}

// Get returns the current state of a request. An empty sessionID skips the
// ownership check (operator view).
func (g *Gate) Get(sessionID, id string) (ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return ApprovalRequest{}, &ErrApprovalNotFound{ID: id}
	}
	if sessionID != "" && e.req.SessionID != sessionID {
		return ApprovalRequest{}, &ErrForbidden{Reason: "approval " + id + " belongs to another session"}
	}
	g.expireLocked(e)
	return e.req, nil
}

// Wait blocks until the request resolves, the timeout elapses, or ctx is
// cancelled. On timeout the current state is returned, which may still be
// pending. A non-positive timeout waits until resolution or cancellation.
func (g *Gate) Wait(ctx context.Context, id string, timeout time.Duration) (ApprovalRequest, error) {
	g.mu.Lock()
	e, ok := g.entries[id]
	if !ok {
		g.mu.Unlock()
		return ApprovalRequest{}, &ErrApprovalNotFound{ID: id}
	}
	l := e.latch
	g.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-l.done():
	case <-timer:
	case <-ctx.Done():
		return ApprovalRequest{}, ctx.Err()
	}
	return g.Get("", id)
}

// Approve transitions a pending request to approved. Resolving an already
// terminal request is not an error: the current state is returned unchanged.
func (g *Gate) Approve(sessionID, id, comment string) (ApprovalRequest, error) {
	return g.resolve(sessionID, id, ApprovalApproved, comment)
}

// Reject transitions a pending request to rejected, with the same
// idempotency as Approve.
func (g *Gate) Reject(sessionID, id, comment string) (ApprovalRequest, error) {
	return g.resolve(sessionID, id, ApprovalRejected, comment)
}

func (g *Gate) resolve(sessionID, id string, to ApprovalStatus, comment string) (ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return ApprovalRequest{}, &ErrApprovalNotFound{ID: id}
	}
	if sessionID != "" && e.req.SessionID != sessionID {
		return ApprovalRequest{}, &ErrForbidden{Reason: "approval " + id + " belongs to another session"}
	}
	g.expireLocked(e)
	if e.req.Status.Terminal() {
		return e.req, nil
	}
	e.req.Status = to
	e.req.ResolvedAt = g.now().Unix()
	e.req.ReviewerComment = comment
	e.latch.fire()
	g.logger.Info("approval_request_resolved",
		"approval_id", id,
		"status", string(to),
		"session_id", e.req.SessionID)
	return e.req, nil
}

// ListPending returns pending requests ordered by creation time, oldest
// first. Expired entries are swept before filtering. An empty sessionID
// returns every session's pending requests.
func (g *Gate) ListPending(sessionID string) []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ApprovalRequest
	for _, e := range g.entries {
		g.expireLocked(e)
		if e.req.Status != ApprovalPending {
			continue
		}
		if sessionID != "" && e.req.SessionID != sessionID {
			continue
		}
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SweepExpired transitions every pending request past its deadline to
// expired, firing its signal so blocked waiters observe the outcome. It
// returns the number of requests swept.
func (g *Gate) SweepExpired() int {
	g.mu.Lock()
	var swept int
	for _, e := range g.entries {
		if g.expireLocked(e) {
			swept++
		}
	}
	g.mu.Unlock()
	if swept > 0 {
		g.logger.Info("approval_requests_expired", "count", swept)
	}
	return swept
}

// expireLocked applies lazy expiry to a single entry. Callers hold g.mu.
func (g *Gate) expireLocked(e *approvalEntry) bool {
	if e.req.Status != ApprovalPending {
		return false
	}
	now := g.now().Unix()
	if now <= e.req.ExpiresAt {
		return false
	}
	e.req.Status = ApprovalExpired
	e.req.ResolvedAt = now
	e.latch.fire()
	return true
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		for {
			g.SweepExpired()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// DefaultSensitivePatterns marks tool names that require human approval.
// Matching is a case-insensitive substring test.
var DefaultSensitivePatterns = []string{
	"delete", "modify", "update", "write", "execute_sql", "send_email",
	"create_skill", "update_skill",
}

// approvalRequiredPrefix opens every synthetic tool result produced by the
// approval middleware. The driver keys its approval-required stream event
// off this prefix.
const approvalRequiredPrefix = "Approval required, id="

// ApprovalMiddleware intercepts sensitive tool calls. Instead of executing,
// it files an ApprovalRequest with the gate and answers the model with a
// synthetic tool result naming the request. Execution is never resumed
// in-place: once a reviewer approves, the caller re-submits and the next
// run proceeds normally.
type ApprovalMiddleware struct {
	gate     *Gate
	patterns []string
	ttl      time.Duration
	logger   *slog.Logger
}

type ApprovalOption func(*ApprovalMiddleware)

// WithApprovalTTL sets the expiry attached to requests this middleware files.
func WithApprovalTTL(ttl time.Duration) ApprovalOption {
	return func(m *ApprovalMiddleware) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(m *ApprovalMiddleware) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewApprovalMiddleware builds the gate probe. A nil or empty patterns slice
// falls back to DefaultSensitivePatterns.
func NewApprovalMiddleware(gate *Gate, patterns []string, opts ...ApprovalOption) *ApprovalMiddleware {
	if gate == nil {
		panic("praxis: NewApprovalMiddleware requires a gate")
	}
	m := &ApprovalMiddleware{
		gate:     gate,
		patterns: patterns,
		logger:   nopLogger,
	}
	if len(m.patterns) == 0 {
		m.patterns = DefaultSensitivePatterns
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ ToolCallWrapper = (*ApprovalMiddleware)(nil)

func (m *ApprovalMiddleware) Name() string { return "approval-gate" }

// Sensitive reports whether a tool name matches any configured pattern.
func (m *ApprovalMiddleware) Sensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (m *ApprovalMiddleware) WrapToolCall(ctx context.Context, call ToolCall, next ToolCallFunc) (ToolOutcome, error) {
	if !m.Sensitive(call.Name) {
		return next(ctx, call)
	}

	var sessionID, userID string
	if info, ok := RequestInfoFrom(ctx); ok {
		sessionID, userID = info.SessionID, info.UserID
	}
	data := map[string]any{"name": call.Name}
	if len(call.Args) > 0 {
		var args map[string]any
		if err := json.Unmarshal(call.Args, &args); err == nil {
			data["arguments"] = args
		} else {
			data["arguments"] = string(call.Args)
		}
	}
	req := m.gate.Create(sessionID, userID, "tool_execution",
		fmt.Sprintf("Execute tool %q", call.Name), data, m.ttl)
	m.logger.Info("tool_call_intercepted",
		"tool", call.Name,
		"approval_id", req.ID,
		"session_id", sessionID)

	msg := fmt.Sprintf("%s%s. The tool %q requires human approval before execution; re-submit the request once a reviewer approves it.",
		approvalRequiredPrefix, req.ID, call.Name)
	return ResultOutcome(ToolResult{Content: msg}), nil
}
