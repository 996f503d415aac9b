package praxis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// echoProvider answers every request with a deterministic function of the
// last user message, so parallel fan-out stays order-independent.
type echoProvider struct {
	mu       sync.Mutex
	err      error
	failOn   string // substring of the user message that triggers err
	requests []ChatRequest
}

func (p *echoProvider) answer(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	task := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			task = req.Messages[i].Content
			break
		}
	}
	if p.err != nil && (p.failOn == "" || strings.Contains(task, p.failOn)) {
		return ChatResponse{}, p.err
	}
	if i := strings.IndexByte(task, '\n'); i >= 0 {
		task = task[:i]
	}
	return ChatResponse{Content: "done: " + task, Usage: Usage{InputTokens: 1, OutputTokens: 1}}, nil
}

func (p *echoProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.answer(req)
}

func (p *echoProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	return p.answer(req)
}

func (p *echoProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := p.answer(req)
	if err != nil {
		return ChatResponse{}, err
	}
	ch <- resp.Content
	return resp, nil
}

func (p *echoProvider) Name() string { return "echo" }

// requestWithTask returns the recorded request whose last user message
// contains substr.
func (p *echoProvider) requestWithTask(t *testing.T, substr string) ChatRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range p.requests {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				if strings.Contains(req.Messages[i].Content, substr) {
					return req
				}
				break
			}
		}
	}
	t.Fatalf("no recorded request with task containing %q", substr)
	return ChatRequest{}
}

func (p *echoProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fencedPlan renders a plan the way the planner expects it from the model.
func fencedPlan(t *testing.T, plan WorkflowPlan) string {
	t.Helper()
	b, err := json.Marshal(plan)
	if err != nil {
		t.Fatal(err)
	}
	return "```json\n" + string(b) + "\n```"
}

var diamondPlan = WorkflowPlan{
	Name:      "diamond",
	Reasoning: "Research first, implement and analyze in parallel, then assemble.",
	Steps: []WorkflowStep{
		{ID: "step_1", Worker: "researcher", Task: "research the topic"},
		{ID: "step_2", Worker: "coder", Task: "implement the library", DependsOn: []string{"step_1"}},
		{ID: "step_3", Worker: "analyst", Task: "analyze the dataset", DependsOn: []string{"step_1"}},
		{ID: "step_4", Worker: "coder", Task: "assemble the deliverable", DependsOn: []string{"step_2", "step_3"}},
	},
}

func TestWorkflowRunsDiamondPlan(t *testing.T) {
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, diamondPlan)}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers)

	final, err := sched.Run(context.Background(), testState("s1", UserMessage("build and analyze")), "")
	if err != nil {
		t.Fatal(err)
	}

	last, ok := final.LastMessage()
	if !ok || last.Role != "assistant" {
		t.Fatal("final state does not end with an assistant message")
	}
	if !strings.HasPrefix(last.Content, "# Workflow Results: diamond") {
		t.Errorf("report header missing, got %.60q", last.Content)
	}
	if !strings.Contains(last.Content, "*Completed 4 steps*") {
		t.Error("report does not count all steps")
	}
	// Sections appear in plan order regardless of completion interleaving.
	idx := make([]int, 4)
	for i, id := range []string{"step_1", "step_2", "step_3", "step_4"} {
		idx[i] = strings.Index(last.Content, "### Step: "+id)
		if idx[i] < 0 {
			t.Fatalf("report missing section for %s", id)
		}
	}
	for i := 1; i < len(idx); i++ {
		if idx[i] < idx[i-1] {
			t.Error("report sections out of plan order")
		}
	}
	if !strings.Contains(last.Content, "### Step: step_2 (Worker: coder)") {
		t.Error("section heading does not name the worker")
	}
	if !strings.Contains(last.Content, "done: implement the library") {
		t.Error("report missing a worker output")
	}
	if got := workerProvider.calls(); got != 4 {
		t.Errorf("worker invocations = %d, want 4", got)
	}
}

func TestWorkflowInjectsDependencyContext(t *testing.T) {
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, diamondPlan)}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers)

	if _, err := sched.Run(context.Background(), testState("s1", UserMessage("build and analyze")), ""); err != nil {
		t.Fatal(err)
	}

	// A dependent step's prompt carries its dependencies' outputs.
	req := workerProvider.requestWithTask(t, "implement the library")
	prompt := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(prompt, "## Context from previous steps") {
		t.Error("dependent step prompt missing context section")
	}
	if !strings.Contains(prompt, "[Result from step_1]:\ndone: research the topic") {
		t.Errorf("dependency output not injected, prompt:\n%s", prompt)
	}

	// The join step sees both parents, in dependency order.
	req = workerProvider.requestWithTask(t, "assemble the deliverable")
	prompt = req.Messages[len(req.Messages)-1].Content
	i2 := strings.Index(prompt, "[Result from step_2]:")
	i3 := strings.Index(prompt, "[Result from step_3]:")
	if i2 < 0 || i3 < 0 || i3 < i2 {
		t.Errorf("join step context wrong, prompt:\n%s", prompt)
	}

	// A root step gets the bare task.
	req = workerProvider.requestWithTask(t, "research the topic")
	if strings.Contains(req.Messages[len(req.Messages)-1].Content, "## Context from previous steps") {
		t.Error("root step prompt has a context section with no dependencies")
	}

	// Workers see the conversation before the task prompt.
	if req.Messages[len(req.Messages)-2].Content != "build and analyze" {
		t.Error("worker request missing the originating conversation")
	}
}

func TestWorkflowStepFailureContinues(t *testing.T) {
	workerProvider := &echoProvider{err: errors.New("backend down"), failOn: "implement the library"}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, diamondPlan)}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers)

	final, err := sched.Run(context.Background(), testState("s1", UserMessage("build and analyze")), "")
	if err != nil {
		t.Fatal(err)
	}

	last, _ := final.LastMessage()
	if !strings.Contains(last.Content, "Error: backend down") {
		t.Error("failed step's error not recorded in the report")
	}
	// The join step still ran, with the error text as its step_2 context.
	req := workerProvider.requestWithTask(t, "assemble the deliverable")
	prompt := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(prompt, "[Result from step_2]:\nError: backend down") {
		t.Errorf("downstream step did not see the failure output, prompt:\n%s", prompt)
	}
	if !strings.Contains(last.Content, "done: assemble the deliverable") {
		t.Error("downstream step output missing from the report")
	}
}

func TestWorkflowMissingWorkerBecomesStepError(t *testing.T) {
	dir := t.TempDir()
	tpl := `name: custom_flow
description: Uses a worker that is not registered.
steps:
  - id: step_1
    worker: ghost
    task: haunt the codebase
`
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(tpl), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewTemplateLibrary()
	if n, err := lib.LoadDir(dir); err != nil || n != 1 {
		t.Fatalf("LoadDir = (%d, %v), want (1, nil)", n, err)
	}

	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	sched := NewWorkflowScheduler(NewPlanner(&mockProvider{}, lib), workers)

	final, err := sched.Run(context.Background(), testState("s1", UserMessage("spooky")), "custom_flow")
	if err != nil {
		t.Fatal(err)
	}
	last, _ := final.LastMessage()
	if !strings.Contains(last.Content, "Worker 'ghost' not found.") {
		t.Errorf("missing-worker notice absent from report:\n%s", last.Content)
	}
	if got := workerProvider.calls(); got != 0 {
		t.Errorf("worker invocations = %d, want 0", got)
	}
}

func TestWorkflowCheckpointsEveryRound(t *testing.T) {
	saver := NewMemorySaver()
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, diamondPlan)}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers, WithSchedulerSaver(saver))

	if _, err := sched.Run(context.Background(), testState("s1", UserMessage("build and analyze")), ""); err != nil {
		t.Fatal(err)
	}

	cps, err := saver.List(context.Background(), "s1", workflowNamespace)
	if err != nil {
		t.Fatal(err)
	}
	// planner, three rounds, synthesizer.
	if len(cps) != 5 {
		t.Fatalf("checkpoints = %d, want 5", len(cps))
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].ParentID != cps[i-1].ID {
			t.Errorf("checkpoint %d not chained to its predecessor", i)
		}
	}
	wantNodes := []string{"planner", "round_0", "round_1", "round_2", "synthesizer"}
	for i, cp := range cps {
		if cp.Metadata["node"] != wantNodes[i] {
			t.Errorf("checkpoint %d node = %q, want %q", i, cp.Metadata["node"], wantNodes[i])
		}
	}
	if cps[4].Metadata["complete"] != "true" {
		t.Error("synthesizer checkpoint not marked complete")
	}

	// Round 1 ran two steps: two step results plus the state snapshot.
	writes, err := saver.Writes(context.Background(), "s1", workflowNamespace, cps[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(writes) != 3 {
		t.Fatalf("round_1 writes = %d, want 3", len(writes))
	}
	for i, w := range writes[:2] {
		if w.Channel != stepResultChannel || w.TaskID != "round_1" || w.Idx != i {
			t.Errorf("write %d = %+v", i, w)
		}
	}
	if writes[2].Channel != workflowStateChannel {
		t.Errorf("last write channel = %q, want %q", writes[2].Channel, workflowStateChannel)
	}

	// The final snapshot records the completed run.
	writes, err = saver.Writes(context.Background(), "s1", workflowNamespace, cps[4].ID)
	if err != nil {
		t.Fatal(err)
	}
	var ws WorkflowState
	if err := json.Unmarshal(writes[len(writes)-1].Value, &ws); err != nil {
		t.Fatal(err)
	}
	if ws.FinalOutput == "" || len(ws.CompletedResults) != 4 {
		t.Errorf("final snapshot = %d results, output %d bytes", len(ws.CompletedResults), len(ws.FinalOutput))
	}
}

// seedWorkflowCheckpoint inserts a workflow checkpoint carrying ws, the way
// a previous run would have left it.
func seedWorkflowCheckpoint(t *testing.T, saver Saver, session string, ws WorkflowState) Checkpoint {
	t.Helper()
	b, err := json.Marshal(ws)
	if err != nil {
		t.Fatal(err)
	}
	cp := Checkpoint{
		ThreadID:  session,
		Namespace: workflowNamespace,
		ID:        NewID(),
		State:     State{Messages: ws.Messages},
		CreatedAt: NowUnix(),
	}
	writes := []PendingWrite{{TaskID: "round_0", Idx: 0, Channel: workflowStateChannel, Value: b}}
	if err := saver.Put(context.Background(), cp, writes); err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestWorkflowResumesUnfinishedRun(t *testing.T) {
	saver := NewMemorySaver()
	plan := WorkflowPlan{
		Name: "two_step",
		Steps: []WorkflowStep{
			{ID: "step_1", Worker: "researcher", Task: "gather sources"},
			{ID: "step_2", Worker: "coder", Task: "write the tool", DependsOn: []string{"step_1"}},
		},
	}
	seeded := seedWorkflowCheckpoint(t, saver, "s1", WorkflowState{
		Messages: []ChatMessage{UserMessage("build me a scraper")},
		Plan:     &plan,
		CompletedResults: []StepResult{
			{StepID: "step_1", Worker: "researcher", Task: "gather sources", Output: "sources found"},
		},
		Round: 1,
	})

	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers, WithSchedulerSaver(saver))

	final, err := sched.Run(context.Background(), NewState("s1", "user-1", "", nil), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(plannerProvider.requests) != 0 {
		t.Errorf("planner invoked %d times on resume, want 0", len(plannerProvider.requests))
	}
	if got := workerProvider.calls(); got != 1 {
		t.Errorf("worker invocations = %d, want 1 (only the unfinished step)", got)
	}
	last, _ := final.LastMessage()
	if !strings.Contains(last.Content, "sources found") {
		t.Error("restored step result missing from the report")
	}
	if !strings.Contains(last.Content, "done: write the tool") {
		t.Error("resumed step output missing from the report")
	}

	// New checkpoints chain off the seeded one.
	cps, err := saver.List(context.Background(), "s1", workflowNamespace)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want seeded + round + synthesizer", len(cps))
	}
	if cps[1].ParentID != seeded.ID {
		t.Error("resumed run did not chain off the seeded checkpoint")
	}
}

func TestWorkflowCompletedRunStartsFresh(t *testing.T) {
	saver := NewMemorySaver()
	plan := WorkflowPlan{
		Name:  "old_flow",
		Steps: []WorkflowStep{{ID: "step_1", Worker: "coder", Task: "old task"}},
	}
	seedWorkflowCheckpoint(t, saver, "s1", WorkflowState{
		Messages:         []ChatMessage{UserMessage("old request"), AssistantMessage("old report")},
		Plan:             &plan,
		CompletedResults: []StepResult{{StepID: "step_1", Worker: "coder", Task: "old task", Output: "old output"}},
		Round:            1,
		FinalOutput:      "old report",
	})

	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, WorkflowPlan{
			Name:  "new_flow",
			Steps: []WorkflowStep{{ID: "step_1", Worker: "analyst", Task: "fresh numbers"}},
		})}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers, WithSchedulerSaver(saver))

	final, err := sched.Run(context.Background(), testState("s1", UserMessage("new request")), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(plannerProvider.requests) != 1 {
		t.Fatalf("planner invocations = %d, want 1 (finished runs never resume)", len(plannerProvider.requests))
	}
	last, _ := final.LastMessage()
	if !strings.Contains(last.Content, "# Workflow Results: new_flow") {
		t.Errorf("report header = %.60q, want the new plan", last.Content)
	}
	// The old conversation survives under the new request.
	var sawOld bool
	for _, m := range final.Messages {
		if m.Content == "old report" {
			sawOld = true
		}
	}
	if !sawOld {
		t.Error("prior conversation dropped on fresh start")
	}
}

func TestWorkflowRestoreFailureStartsFresh(t *testing.T) {
	saver := flakyLatestSaver{NewMemorySaver()}
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, WorkflowPlan{
			Name:  "fresh",
			Steps: []WorkflowStep{{ID: "step_1", Worker: "coder", Task: "write the tool"}},
		})}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers, WithSchedulerSaver(saver))

	final, err := sched.Run(context.Background(), testState("s1", UserMessage("build it")), "")
	if err != nil {
		t.Fatalf("restore failure should not fail the run: %v", err)
	}
	last, _ := final.LastMessage()
	if !strings.HasPrefix(last.Content, "# Workflow Results: fresh") {
		t.Errorf("final = %.60q, want fresh-plan report", last.Content)
	}
	// Planning and checkpointing proceed through the working Put path.
	if len(plannerProvider.requests) != 1 {
		t.Errorf("planner invocations = %d, want 1", len(plannerProvider.requests))
	}
	cps, err := saver.List(context.Background(), "s1", workflowNamespace)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 3 {
		t.Errorf("checkpoints = %d, want planner + round + synthesizer", len(cps))
	}
}

func TestWorkflowStuckPlanAborts(t *testing.T) {
	saver := NewMemorySaver()
	plan := WorkflowPlan{
		Name: "two_step",
		Steps: []WorkflowStep{
			{ID: "step_1", Worker: "researcher", Task: "gather sources"},
			{ID: "step_2", Worker: "coder", Task: "write the tool", DependsOn: []string{"step_1"}},
		},
	}
	// Rounds already at the cap with nothing completed: the scheduler must
	// abort rather than spin.
	seedWorkflowCheckpoint(t, saver, "s1", WorkflowState{
		Messages: []ChatMessage{UserMessage("build me a scraper")},
		Plan:     &plan,
		Round:    4,
	})

	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	sched := NewWorkflowScheduler(NewPlanner(&mockProvider{}, nil), workers, WithSchedulerSaver(saver))

	final, err := sched.Run(context.Background(), NewState("s1", "user-1", "", nil), "")
	if err != nil {
		t.Fatal(err)
	}
	if got := workerProvider.calls(); got != 0 {
		t.Errorf("worker invocations = %d, want 0", got)
	}
	last, _ := final.LastMessage()
	if !strings.HasPrefix(last.Content, "Workflow aborted: ") {
		t.Errorf("final = %.60q, want abort notice", last.Content)
	}
	if !strings.Contains(last.Content, "stuck after 4 rounds") {
		t.Errorf("abort notice missing round count: %.120q", last.Content)
	}
}

func TestWorkflowStreamEmitsRoundsAndSteps(t *testing.T) {
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{
		responses: []ChatResponse{{Content: fencedPlan(t, WorkflowPlan{
			Name:  "single",
			Steps: []WorkflowStep{{ID: "step_1", Worker: "researcher", Task: "research the topic"}},
		})}},
	}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers)

	ch := make(chan StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		_, err := sched.RunStream(context.Background(), testState("s1", UserMessage("look this up")), "", ch)
		errCh <- err
	}()
	events := collectEvents(t, ch)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	if events[0].Type != EventProcessingStart || events[0].Agent != "workflow" {
		t.Errorf("first event = %+v, want workflow processing-start", events[0])
	}
	if events[len(events)-1].Type != EventDone {
		t.Error("stream did not end with done")
	}
	for _, ev := range events {
		if ev.Type == EventProcessingStart && ev.Agent != "workflow" {
			t.Errorf("inner processing-start leaked from %q", ev.Agent)
		}
	}

	var round, stepStart, stepResult *StreamEvent
	for i := range events {
		switch events[i].Type {
		case EventRoundStart:
			round = &events[i]
		case EventStepStart:
			stepStart = &events[i]
		case EventStepResult:
			stepResult = &events[i]
		}
	}
	if round == nil || round.Name != "round_0" || round.Content != "step_1" {
		t.Errorf("round event = %+v", round)
	}
	if stepStart == nil || stepStart.Agent != "researcher" || stepStart.Name != "step_1" {
		t.Errorf("step-start event = %+v", stepStart)
	}
	if stepResult == nil || stepResult.Content != "done: research the topic" {
		t.Errorf("step-result event = %+v", stepResult)
	}

	// Worker deltas are attributed to the worker, the report to the workflow.
	sawWorkerDelta, sawReport := false, false
	for _, ev := range events {
		if ev.Type != EventTextDelta {
			continue
		}
		if ev.Agent == "researcher" {
			sawWorkerDelta = true
		}
		if ev.Agent == "workflow" && strings.HasPrefix(ev.Content, "# Workflow Results: single") {
			sawReport = true
		}
	}
	if !sawWorkerDelta {
		t.Error("no delta attributed to the worker")
	}
	if !sawReport {
		t.Error("final report not streamed")
	}
}

func TestWorkflowPlannerCancellationPropagates(t *testing.T) {
	workerProvider := &echoProvider{}
	workers := catalogWorkers(t, workerProvider)
	plannerProvider := &mockProvider{err: context.Canceled}
	sched := NewWorkflowScheduler(NewPlanner(plannerProvider, nil), workers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sched.Run(ctx, testState("s1", UserMessage("plan this")), "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := workerProvider.calls(); got != 0 {
		t.Errorf("worker invocations = %d after cancelled planning, want 0", got)
	}
}
