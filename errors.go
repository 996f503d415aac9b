package praxis

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value, either delta-seconds
// or an HTTP date. Absent, malformed, or already-elapsed values yield 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrHalt stops a run gracefully from inside a middleware hook. The driver
// converts it into a final assistant response instead of a failure.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string {
	return "halted: " + e.Response
}

type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return "tool not found: " + e.Name
}

type ErrForbidden struct {
	Reason string
}

func (e *ErrForbidden) Error() string {
	return "forbidden: " + e.Reason
}

type ErrApprovalNotFound struct {
	ID string
}

func (e *ErrApprovalNotFound) Error() string {
	return "approval request not found: " + e.ID
}

// ErrUpstreamUnavailable reports that every backend in the model ring
// exhausted its retry budget. Last is the final backend's error.
type ErrUpstreamUnavailable struct {
	Ring []string
	Last error
}

func (e *ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("all %d backends unavailable: %v", len(e.Ring), e.Last)
}

func (e *ErrUpstreamUnavailable) Unwrap() error { return e.Last }

// ErrDuplicateCheckpoint reports a Put with an already-stored checkpoint ID.
type ErrDuplicateCheckpoint struct {
	ThreadID   string
	Namespace  string
	Checkpoint string
}

func (e *ErrDuplicateCheckpoint) Error() string {
	return fmt.Sprintf("duplicate checkpoint %s for thread %s ns %q", e.Checkpoint, e.ThreadID, e.Namespace)
}

// ErrDuplicateStep reports two workflow results claiming the same step id.
type ErrDuplicateStep struct {
	StepID string
}

func (e *ErrDuplicateStep) Error() string {
	return "duplicate workflow step result: " + e.StepID
}

// ErrPlanStuck reports a workflow that hit its round cap with steps still
// incomplete. It is surfaced in the final assistant message rather than
// failing the run.
type ErrPlanStuck struct {
	Plan      string
	Rounds    int
	Remaining []string
}

func (e *ErrPlanStuck) Error() string {
	return fmt.Sprintf("workflow plan %q stuck after %d rounds; incomplete steps: %v", e.Plan, e.Rounds, e.Remaining)
}
