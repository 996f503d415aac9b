package praxis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// workflowNamespace isolates workflow checkpoints from the session's main
// conversation lineage.
const workflowNamespace = "workflow"

// Pending-write channels used by workflow checkpoints.
const (
	stepResultChannel    = "step_result"
	workflowStateChannel = "workflow_state"
)

// WorkflowScheduler executes declarative step DAGs over the worker
// registry. Each run plans (or resumes), then repeats rounds of: compute
// the eligible steps, fan them out to workers in parallel, merge the
// results, checkpoint. When nothing is left to run it synthesizes a final
// report and appends it to the conversation.
//
// Rounds are the durability unit: a cancelled or crashed run resumes at the
// round boundary with every earlier result intact, and the in-flight
// round's partial results are discarded.
type WorkflowScheduler struct {
	planner *Planner
	workers *Workers
	saver   Saver
	logger  *slog.Logger
}

// SchedulerOption configures a WorkflowScheduler.
type SchedulerOption func(*WorkflowScheduler)

// WithSchedulerSaver enables round-boundary checkpointing.
func WithSchedulerSaver(s Saver) SchedulerOption {
	return func(ws *WorkflowScheduler) { ws.saver = s }
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(ws *WorkflowScheduler) {
		if l != nil {
			ws.logger = l
		}
	}
}

// NewWorkflowScheduler builds a scheduler over a planner and the shared
// worker registry.
func NewWorkflowScheduler(planner *Planner, workers *Workers, opts ...SchedulerOption) *WorkflowScheduler {
	if planner == nil {
		panic("praxis: NewWorkflowScheduler requires a planner")
	}
	if workers == nil {
		panic("praxis: NewWorkflowScheduler requires a worker registry")
	}
	s := &WorkflowScheduler{
		planner: planner,
		workers: workers,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes a workflow for the request in st. templateName, when
// non-empty, selects a plan template directly.
func (s *WorkflowScheduler) Run(ctx context.Context, st State, templateName string) (State, error) {
	return s.run(ctx, st, templateName, nil)
}

// RunStream is Run with events on ch: round starts, per-step results,
// relayed worker activity, and the final report as a text delta. The
// scheduler owns ch and closes it before returning.
func (s *WorkflowScheduler) RunStream(ctx context.Context, st State, templateName string, ch chan<- StreamEvent) (State, error) {
	final, err := s.run(ctx, st, templateName, ch)
	finishStream(ctx, ch, "workflow", err)
	return final, err
}

func (s *WorkflowScheduler) run(ctx context.Context, st State, templateName string, ch chan<- StreamEvent) (State, error) {
	if _, ok := RequestInfoFrom(ctx); !ok {
		ctx = WithRequestInfo(ctx, RequestInfo{
			SessionID: st.SessionID(),
			UserID:    st.UserID(),
			Role:      st.Role(),
		})
	}

	ws, parent, resumed := s.restore(ctx, st)
	s.emit(ctx, ch, StreamEvent{Type: EventProcessingStart, Agent: "workflow"})

	var err error
	if resumed {
		s.logger.Info("workflow_resumed",
			"plan", ws.Plan.Name,
			"round", ws.Round,
			"completed", len(ws.CompletedResults),
			"session_id", st.SessionID())
	} else {
		plan, perr := s.planner.Plan(ctx, lastUserMessage(ws.Messages), templateName, s.workers.Infos())
		if perr != nil {
			return s.conversation(st, ws), perr
		}
		ws.Plan = plan
		ws.Round = 0
		s.logger.Info("workflow_plan_created",
			"plan", plan.Name,
			"steps", len(plan.Steps),
			"session_id", st.SessionID(),
			"reasoning", plan.Reasoning)
		parent, err = s.checkpoint(ctx, st, ws, ch, parent, "planner", nil, false)
		if err != nil {
			return s.conversation(st, ws), err
		}
	}

	roundCap := len(ws.Plan.Steps) + 2
	var stuck *ErrPlanStuck

	for {
		done := ws.CompletedIDs()
		if len(done) >= len(ws.Plan.Steps) {
			s.logger.Info("workflow_all_steps_completed", "total_steps", len(ws.Plan.Steps))
			break
		}
		eligible := ws.Plan.Eligible(done)
		if len(eligible) == 0 {
			// Remaining steps can never become runnable; synthesize what we
			// have rather than spinning.
			s.logger.Warn("workflow_no_eligible_steps",
				"plan", ws.Plan.Name,
				"completed", len(done),
				"total", len(ws.Plan.Steps))
			break
		}
		if ws.Round >= roundCap {
			stuck = &ErrPlanStuck{Plan: ws.Plan.Name, Rounds: ws.Round, Remaining: remainingIDs(ws.Plan, done)}
			s.logger.Warn("workflow_plan_stuck",
				"plan", ws.Plan.Name,
				"rounds", ws.Round,
				"remaining", stuck.Remaining)
			break
		}

		ids := make([]string, len(eligible))
		workerNames := make([]string, len(eligible))
		for i, step := range eligible {
			ids[i] = step.ID
			workerNames[i] = step.Worker
		}
		s.emit(ctx, ch, StreamEvent{
			Type:    EventRoundStart,
			Agent:   "workflow",
			Name:    fmt.Sprintf("round_%d", ws.Round),
			Content: strings.Join(ids, ", "),
		})
		s.logger.Info("workflow_workers_assigned",
			"round", ws.Round,
			"worker_count", len(eligible),
			"workers", workerNames)

		results, rerr := s.runRound(ctx, st, ws, eligible, ch)
		if rerr != nil {
			return s.conversation(st, ws), rerr
		}
		if merr := ws.MergeResults(results...); merr != nil {
			return s.conversation(st, ws), merr
		}
		ws.Round++
		parent, err = s.checkpoint(ctx, st, ws, ch, parent, fmt.Sprintf("round_%d", ws.Round-1), results, false)
		if err != nil {
			return s.conversation(st, ws), err
		}
	}

	final := ws.Synthesize()
	if stuck != nil {
		final = fmt.Sprintf("Workflow aborted: %s.\n\n%s", stuck.Error(), final)
		s.emit(ctx, ch, StreamEvent{Type: EventError, Agent: "workflow", Content: stuck.Error()})
	}
	ws.FinalOutput = final
	ws.Messages = append(ws.Messages, AssistantMessage(final))
	s.emit(ctx, ch, StreamEvent{Type: EventTextDelta, Agent: "workflow", Content: final})

	if _, err := s.checkpoint(ctx, st, ws, ch, parent, "synthesizer", nil, true); err != nil {
		return s.conversation(st, ws), err
	}
	s.logger.Info("workflow_synthesis_completed",
		"plan", ws.Plan.Name,
		"step_count", len(ws.CompletedResults),
		"output_length", len(final))
	return s.conversation(st, ws), nil
}

// runRound fans the eligible steps out to their workers, at most
// maxParallelDispatch at a time, and returns results in step order. In
// stream mode a Mux merges the workers' event streams onto ch, keeping
// each worker's events ordered while rounds interleave by completion.
func (s *WorkflowScheduler) runRound(ctx context.Context, st State, ws *WorkflowState, eligible []WorkflowStep, ch chan<- StreamEvent) ([]StepResult, error) {
	results := make([]StepResult, len(eligible))

	var mux *Mux
	relayDone := make(chan struct{})
	if ch != nil {
		mux = NewMux(ctx, 64)
		go func() {
			defer close(relayDone)
			for ev := range mux.Events() {
				// The workflow announced itself once; per-step loops don't
				// restart the stream.
				if ev.Type == EventProcessingStart {
					continue
				}
				s.emit(ctx, ch, ev)
			}
		}()
	} else {
		close(relayDone)
	}

	if len(eligible) == 1 {
		results[0] = s.runStep(ctx, st, ws, eligible[0], stepSource(mux, eligible[0]))
	} else {
		workCh := make(chan int, len(eligible))
		for i := range eligible {
			workCh <- i
		}
		close(workCh)

		numWorkers := min(len(eligible), maxParallelDispatch)
		var wg sync.WaitGroup
		wg.Add(numWorkers)
		for w := 0; w < numWorkers; w++ {
			go func() {
				defer wg.Done()
				for i := range workCh {
					results[i] = s.runStep(ctx, st, ws, eligible[i], stepSource(mux, eligible[i]))
				}
			}()
		}
		wg.Wait()
	}

	if mux != nil {
		mux.Close()
	}
	<-relayDone

	// A cancelled round is discarded whole; completed rounds stay durable.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// stepSource opens a mux source for one step's worker, or nil when the run
// is not streaming.
func stepSource(mux *Mux, step WorkflowStep) chan<- StreamEvent {
	if mux == nil {
		return nil
	}
	return mux.Source(step.Worker)
}

// runStep executes one plan step on its worker: conversation context plus
// the task prompt (with dependency outputs appended), through a detached
// driver so the round rather than the inner loop is what gets persisted.
// Failures never abort the round; they become error-shaped results so
// downstream steps still run.
func (s *WorkflowScheduler) runStep(ctx context.Context, st State, ws *WorkflowState, step WorkflowStep, out chan<- StreamEvent) StepResult {
	if out != nil {
		defer safeCloseCh(out)
	}
	res := StepResult{StepID: step.ID, Worker: step.Worker, Task: step.Task}

	emitStep := func(ev StreamEvent) {
		if out == nil {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	emitStep(StreamEvent{Type: EventStepStart, Agent: step.Worker, Name: step.ID, Content: truncateStr(step.Task, 200)})

	_, wd, ok := s.workers.Get(step.Worker)
	if !ok {
		s.logger.Warn("workflow_worker_not_found", "worker", step.Worker, "step", step.ID)
		res.Output = fmt.Sprintf("Worker '%s' not found.", step.Worker)
		emitStep(StreamEvent{Type: EventStepResult, Agent: step.Worker, Name: step.ID, Content: res.Output})
		return res
	}

	taskPrompt := step.Task
	if depCtx := ws.DependencyContext(step); depCtx != "" {
		taskPrompt = step.Task + "\n\n## Context from previous steps\n" + depCtx
	}
	msgs := make([]ChatMessage, 0, len(ws.Messages)+1)
	msgs = append(msgs, ws.Messages...)
	msgs = append(msgs, UserMessage(taskPrompt))
	runSt := State{Messages: msgs, Meta: cloneMeta(st.Meta)}

	s.logger.Info("workflow_worker_task_started",
		"step", step.ID,
		"worker", step.Worker,
		"task", truncateStr(step.Task, 200))

	start := time.Now()
	final, _, err := wd.detached().run(ctx, runSt, out)
	if err != nil {
		if ctx.Err() != nil {
			return res
		}
		s.logger.Error("workflow_worker_task_failed",
			"step", step.ID,
			"worker", step.Worker,
			"error", err)
		res.Output = "Error: " + err.Error()
		emitStep(StreamEvent{Type: EventStepResult, Agent: step.Worker, Name: step.ID, Content: res.Output, Duration: time.Since(start)})
		return res
	}

	if last, ok := final.LastMessage(); ok {
		res.Output = last.Content
	}
	s.logger.Info("workflow_worker_task_completed",
		"step", step.ID,
		"worker", step.Worker,
		"output_length", len(res.Output))
	emitStep(StreamEvent{Type: EventStepResult, Agent: step.Worker, Name: step.ID, Content: res.Output, Duration: time.Since(start)})
	return res
}

// restore loads the latest workflow checkpoint for the session. An
// unfinished plan resumes at the round boundary; otherwise the run starts
// fresh on the checkpointed conversation overlaid with the request's
// messages. A failed lookup starts fresh rather than failing the run.
func (s *WorkflowScheduler) restore(ctx context.Context, st State) (*WorkflowState, string, bool) {
	fresh := &WorkflowState{Messages: append([]ChatMessage(nil), st.Messages...)}
	if s.saver == nil {
		return fresh, "", false
	}
	cp, ok, err := s.saver.Latest(ctx, st.SessionID(), workflowNamespace)
	if err != nil {
		s.logger.Warn("checkpoint_restore_failed",
			"agent", "workflow",
			"session_id", st.SessionID(),
			"namespace", workflowNamespace,
			"error", err)
		return fresh, "", false
	}
	if !ok {
		return fresh, "", false
	}

	writes, err := s.saver.Writes(ctx, st.SessionID(), workflowNamespace, cp.ID)
	if err != nil {
		s.logger.Warn("workflow_writes_unreadable", "checkpoint_id", cp.ID, "error", err)
		fresh.Messages = mergeMessages(cp.State.Messages, st.Messages)
		return fresh, cp.ID, false
	}
	var saved WorkflowState
	found := false
	for _, w := range writes {
		if w.Channel != workflowStateChannel {
			continue
		}
		if uerr := json.Unmarshal(w.Value, &saved); uerr != nil {
			s.logger.Warn("workflow_state_corrupt", "checkpoint_id", cp.ID, "error", uerr)
			break
		}
		found = true
	}

	if found && saved.Plan != nil && saved.FinalOutput == "" {
		saved.Messages = mergeMessages(saved.Messages, st.Messages)
		return &saved, cp.ID, true
	}
	fresh.Messages = mergeMessages(cp.State.Messages, st.Messages)
	return fresh, cp.ID, false
}

// checkpoint persists the workflow state at a node boundary. The round's
// step results ride along as individual writes next to the full state
// snapshot, all committed atomically.
func (s *WorkflowScheduler) checkpoint(ctx context.Context, st State, ws *WorkflowState, ch chan<- StreamEvent, parent, node string, results []StepResult, complete bool) (string, error) {
	if s.saver == nil {
		return parent, nil
	}
	meta := map[string]string{"agent": "workflow", "node": node}
	if complete {
		meta["complete"] = "true"
	}
	cp := Checkpoint{
		ThreadID:  st.SessionID(),
		Namespace: workflowNamespace,
		ID:        NewID(),
		ParentID:  parent,
		State:     State{Messages: ws.Messages, Meta: st.Meta}.Clone(),
		Metadata:  meta,
		CreatedAt: NowUnix(),
	}

	writes := make([]PendingWrite, 0, len(results)+1)
	for i, r := range results {
		b, err := json.Marshal(r)
		if err != nil {
			return parent, fmt.Errorf("encode step result %s: %w", r.StepID, err)
		}
		writes = append(writes, PendingWrite{TaskID: node, Idx: i, Channel: stepResultChannel, Value: b})
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return parent, fmt.Errorf("encode workflow state: %w", err)
	}
	writes = append(writes, PendingWrite{TaskID: node, Idx: len(results), Channel: workflowStateChannel, Value: b})

	if err := s.saver.Put(ctx, cp, writes); err != nil {
		return parent, fmt.Errorf("checkpoint workflow %s: %w", node, err)
	}
	s.emit(ctx, ch, StreamEvent{Type: EventCheckpointSaved, Agent: "workflow", ID: cp.ID})
	s.logger.Debug("checkpoint_saved",
		"agent", "workflow",
		"thread_id", cp.ThreadID,
		"namespace", cp.Namespace,
		"node", node,
		"checkpoint_id", cp.ID)
	return cp.ID, nil
}

// conversation projects the workflow state back onto a session State.
func (s *WorkflowScheduler) conversation(st State, ws *WorkflowState) State {
	return State{Messages: ws.Messages, Meta: cloneMeta(st.Meta)}
}

func (s *WorkflowScheduler) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	if ev.Agent == "" {
		ev.Agent = "workflow"
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func remainingIDs(plan *WorkflowPlan, done map[string]bool) []string {
	var out []string
	for _, s := range plan.Steps {
		if !done[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}
