package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGateApproveWakesWaiter(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "user-1", "tool_execution", `Execute tool "delete_record"`, nil, 0)
	if req.Status != ApprovalPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.ExpiresAt <= req.CreatedAt {
		t.Fatalf("expires_at %d not after created_at %d", req.ExpiresAt, req.CreatedAt)
	}

	done := make(chan ApprovalRequest, 1)
	go func() {
		got, err := g.Wait(context.Background(), req.ID, 5*time.Second)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter block
	if _, err := g.Approve("sess-1", req.ID, "looks safe"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case got := <-done:
		if got.Status != ApprovalApproved {
			t.Fatalf("status = %s, want approved", got.Status)
		}
		if got.ResolvedAt == 0 {
			t.Fatal("resolved_at not set")
		}
		if got.ReviewerComment != "looks safe" {
			t.Fatalf("comment = %q", got.ReviewerComment)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestGateWaitTimeoutReturnsCurrentState(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "", "tool_execution", "x", nil, 0)

	got, err := g.Wait(context.Background(), req.ID, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Status != ApprovalPending {
		t.Fatalf("status = %s, want pending after timeout", got.Status)
	}
}

func TestGateWaitHonorsCancellation(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "", "tool_execution", "x", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Wait(ctx, req.ID, 0)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestGateUnknownRequest(t *testing.T) {
	g := NewGate()
	var notFound *ErrApprovalNotFound

	_, err := g.Wait(context.Background(), "missing", time.Millisecond)
	if !errors.As(err, &notFound) {
		t.Fatalf("Wait err = %v, want ErrApprovalNotFound", err)
	}
	_, err = g.Approve("sess-1", "missing", "")
	if !errors.As(err, &notFound) {
		t.Fatalf("Approve err = %v, want ErrApprovalNotFound", err)
	}
}

func TestGateResolutionIsIdempotent(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "", "tool_execution", "x", nil, 0)

	first, err := g.Approve("sess-1", req.ID, "ok")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if first.Status != ApprovalApproved {
		t.Fatalf("status = %s, want approved", first.Status)
	}

	// A later reject must not flip the terminal state.
	second, err := g.Reject("sess-1", req.ID, "too late")
	if err != nil {
		t.Fatalf("Reject after approve: %v", err)
	}
	if second.Status != ApprovalApproved {
		t.Fatalf("status = %s, want approved to stick", second.Status)
	}
	if second.ReviewerComment != "ok" {
		t.Fatalf("comment = %q, want original kept", second.ReviewerComment)
	}
}

func TestGateSessionIsolation(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "", "tool_execution", "x", nil, 0)
	g.Create("sess-2", "", "tool_execution", "y", nil, 0)

	var forbidden *ErrForbidden
	if _, err := g.Approve("sess-2", req.ID, ""); !errors.As(err, &forbidden) {
		t.Fatalf("cross-session approve err = %v, want ErrForbidden", err)
	}
	if _, err := g.Reject("sess-2", req.ID, ""); !errors.As(err, &forbidden) {
		t.Fatalf("cross-session reject err = %v, want ErrForbidden", err)
	}

	if got := len(g.ListPending("sess-1")); got != 1 {
		t.Fatalf("ListPending(sess-1) = %d entries, want 1", got)
	}
	if got := len(g.ListPending("")); got != 2 {
		t.Fatalf("ListPending(all) = %d entries, want 2", got)
	}
}

func TestGateSweepExpired(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	g := NewGate(WithGateClock(func() time.Time { return current }))

	req := g.Create("sess-1", "", "tool_execution", "x", nil, time.Minute)
	live := g.Create("sess-1", "", "tool_execution", "y", nil, time.Hour)

	if n := g.SweepExpired(); n != 0 {
		t.Fatalf("premature sweep expired %d requests", n)
	}

	current = current.Add(2 * time.Minute)
	if n := g.SweepExpired(); n != 1 {
		t.Fatalf("sweep expired %d requests, want 1", n)
	}

	got, err := g.Get("", req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ApprovalExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if got.ResolvedAt == 0 {
		t.Fatal("resolved_at not set on expiry")
	}

	// Expired requests no longer accept a decision.
	after, err := g.Approve("sess-1", req.ID, "")
	if err != nil {
		t.Fatalf("Approve expired: %v", err)
	}
	if after.Status != ApprovalExpired {
		t.Fatalf("status = %s, want expired to stick", after.Status)
	}

	// The signal fired, so waiters return immediately.
	if _, err := g.Wait(context.Background(), req.ID, 5*time.Second); err != nil {
		t.Fatalf("Wait on expired: %v", err)
	}

	pending := g.ListPending("sess-1")
	if len(pending) != 1 || pending[0].ID != live.ID {
		t.Fatalf("ListPending = %+v, want only the live request", pending)
	}
}

func TestGateListPendingAppliesLazyExpiry(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	g := NewGate(WithGateClock(func() time.Time { return current }))

	g.Create("sess-1", "", "tool_execution", "x", nil, time.Minute)
	current = current.Add(2 * time.Minute)

	if got := g.ListPending("sess-1"); len(got) != 0 {
		t.Fatalf("ListPending returned %d entries, want 0 after expiry", len(got))
	}
}

func TestGateSignalFiresExactlyOnce(t *testing.T) {
	g := NewGate()
	req := g.Create("sess-1", "", "tool_execution", "x", nil, 0)

	const racers = 16
	statuses := make(chan ApprovalStatus, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got ApprovalRequest
			var err error
			if i%2 == 0 {
				got, err = g.Approve("sess-1", req.ID, "")
			} else {
				got, err = g.Reject("sess-1", req.ID, "")
			}
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			statuses <- got.Status
		}(i)
	}
	wg.Wait()
	close(statuses)

	first := ApprovalStatus("")
	for s := range statuses {
		if first == "" {
			first = s
		}
		if s != first {
			t.Fatalf("racers observed divergent terminal states: %s vs %s", first, s)
		}
	}
	if first != ApprovalApproved && first != ApprovalRejected {
		t.Fatalf("terminal status = %s", first)
	}
}

func TestApprovalMiddlewarePassthrough(t *testing.T) {
	g := NewGate()
	mw := NewApprovalMiddleware(g, nil)

	executed := false
	next := func(ctx context.Context, call ToolCall) (ToolOutcome, error) {
		executed = true
		return ResultOutcome(ToolResult{Content: "ran"}), nil
	}

	out, err := mw.WrapToolCall(context.Background(), ToolCall{ID: "c1", Name: "web_search"}, next)
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if !executed {
		t.Fatal("non-sensitive tool was not executed")
	}
	if out.Result == nil || out.Result.Content != "ran" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := len(g.ListPending("")); got != 0 {
		t.Fatalf("passthrough filed %d approval requests", got)
	}
}

func TestApprovalMiddlewareInterceptsSensitiveCall(t *testing.T) {
	g := NewGate()
	mw := NewApprovalMiddleware(g, nil)

	ctx := WithRequestInfo(context.Background(), RequestInfo{SessionID: "sess-9", UserID: "user-3", Role: "user"})
	call := ToolCall{ID: "c1", Name: "delete_record", Args: json.RawMessage(`{"id": 5}`)}

	next := func(ctx context.Context, call ToolCall) (ToolOutcome, error) {
		t.Fatal("sensitive tool must not execute")
		return ToolOutcome{}, nil
	}

	out, err := mw.WrapToolCall(ctx, call, next)
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if out.Result == nil {
		t.Fatalf("outcome = %+v, want synthetic result", out)
	}
	if !strings.HasPrefix(out.Result.Content, "Approval required, id=") {
		t.Fatalf("result content = %q", out.Result.Content)
	}

	pending := g.ListPending("sess-9")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	req := pending[0]
	if req.ActionType != "tool_execution" {
		t.Fatalf("action_type = %q", req.ActionType)
	}
	if req.UserID != "user-3" {
		t.Fatalf("user_id = %q", req.UserID)
	}
	if name, _ := req.ActionData["name"].(string); name != "delete_record" {
		t.Fatalf("action_data.name = %v", req.ActionData["name"])
	}
	args, ok := req.ActionData["arguments"].(map[string]any)
	if !ok {
		t.Fatalf("action_data.arguments = %T", req.ActionData["arguments"])
	}
	if id, _ := args["id"].(float64); id != 5 {
		t.Fatalf("arguments.id = %v", args["id"])
	}
	if !strings.Contains(out.Result.Content, req.ID) {
		t.Fatalf("result %q does not name request %s", out.Result.Content, req.ID)
	}
}

func TestApprovalMiddlewareSensitivity(t *testing.T) {
	mw := NewApprovalMiddleware(NewGate(), nil)

	cases := []struct {
		name      string
		sensitive bool
	}{
		{"delete_record", true},
		{"update_profile", true},
		{"modify_settings", true},
		{"write_file", true},
		{"execute_sql", true},
		{"send_email", true},
		{"create_skill", true},
		{"update_skill", true},
		{"DELETE_ALL", true},
		{"web_search", false},
		{"load_skill", false},
		{"list_skills", false},
		{"retrieve_knowledge", false},
	}
	for _, tc := range cases {
		if got := mw.Sensitive(tc.name); got != tc.sensitive {
			t.Errorf("Sensitive(%q) = %v, want %v", tc.name, got, tc.sensitive)
		}
	}
}

func TestApprovalMiddlewareCustomPatterns(t *testing.T) {
	mw := NewApprovalMiddleware(NewGate(), []string{"drop_"})
	if !mw.Sensitive("drop_table") {
		t.Fatal("custom pattern did not match")
	}
	if mw.Sensitive("delete_record") {
		t.Fatal("default patterns leaked into custom set")
	}
}
