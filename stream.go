package praxis

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventProcessingStart signals that a driver has begun a run
	// (after state restore, before the first model call).
	EventProcessingStart StreamEventType = "processing-start"
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventHandoff signals the router handed control to a worker agent.
	EventHandoff StreamEventType = "handoff"
	// EventApprovalRequired signals a sensitive tool call was intercepted
	// and is waiting for a human decision.
	EventApprovalRequired StreamEventType = "approval-required"
	// EventCheckpointSaved signals a cycle boundary was persisted.
	EventCheckpointSaved StreamEventType = "checkpoint-saved"
	// EventRoundStart signals the workflow scheduler began a fan-out round.
	EventRoundStart StreamEventType = "round-start"
	// EventStepStart signals a workflow step was dispatched to a worker.
	EventStepStart StreamEventType = "step-start"
	// EventStepResult carries a completed workflow step's output.
	EventStepResult StreamEventType = "step-result"
	// EventError carries a run-level error. It always precedes EventDone so
	// consumers can render a notice without losing partial output.
	EventError StreamEventType = "error"
	// EventDone is the terminal event of every stream.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted during streaming execution.
// Consumers receive these on the channel passed to the streaming entry
// points, or from a Mux when several agents stream at once.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Agent is the producing agent or worker, empty for single-agent runs.
	Agent string `json:"agent,omitempty"`
	// Name is the tool, worker, or step the event refers to.
	Name string `json:"name,omitempty"`
	// ID carries a correlating identifier: the tool call id, approval
	// request id, or checkpoint id, depending on Type.
	ID string `json:"id,omitempty"`
	// Content carries the text delta, tool result, or step output.
	Content string `json:"content,omitempty"`
	// Args carries tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Usage carries token counts for the completed step.
	// Set on tool-call-result and done events. Zero value otherwise.
	Usage Usage `json:"usage,omitempty"`
	// Duration is the wall-clock time for the completed step.
	// Set on tool-call-result and step-result events. Zero value otherwise.
	Duration time.Duration `json:"duration,omitempty"`
}

// Mux merges events from several producers into one consumer channel.
// Per-producer ordering is preserved; interleaving across producers follows
// completion order. The output channel is bounded, so a slow consumer
// backpressures producers rather than dropping events.
type Mux struct {
	ctx context.Context
	out chan StreamEvent

	wg   sync.WaitGroup
	once sync.Once
}

// NewMux builds a Mux whose forwarding stops when ctx is cancelled. buf is
// the output buffer size; values below 1 get a small default.
func NewMux(ctx context.Context, buf int) *Mux {
	if buf < 1 {
		buf = 16
	}
	return &Mux{ctx: ctx, out: make(chan StreamEvent, buf)}
}

// Events returns the merged output channel. It is closed by Close after all
// sources have finished.
func (m *Mux) Events() <-chan StreamEvent {
	return m.out
}

// Source registers a producer and returns its send handle. Events sent on
// the handle are stamped with agent (unless already set) and forwarded in
// order. The producer must close the handle when done. All handles must be
// obtained before Close is called.
func (m *Mux) Source(agent string) chan<- StreamEvent {
	src := make(chan StreamEvent, 16)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range src {
			if ev.Agent == "" {
				ev.Agent = agent
			}
			if !m.Emit(ev) {
				// Cancelled: drain the source so its producer never blocks.
				for range src {
				}
				return
			}
		}
	}()
	return src
}

// Emit forwards one event directly, bypassing any source handle. It reports
// false when the Mux context is cancelled.
func (m *Mux) Emit(ev StreamEvent) bool {
	select {
	case m.out <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// Close waits for all registered sources to finish, then closes the output
// channel. Call it exactly once, after every source handle has been closed
// and the owner has emitted its final events.
func (m *Mux) Close() {
	m.once.Do(func() {
		m.wg.Wait()
		close(m.out)
	})
}

// safeCloseCh closes ch, recovering if another layer already closed it.
func safeCloseCh[T any](ch chan<- T) {
	defer func() { recover() }()
	close(ch)
}
