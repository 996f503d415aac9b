package praxis

import (
	"fmt"
	"strings"
)

// WorkflowStep is one unit of work in a plan, assigned by name to a worker
// agent. DependsOn lists step ids that must complete before this step may
// run; only earlier steps in the plan can be referenced, which rules out
// dependency cycles by construction.
type WorkflowStep struct {
	ID        string   `json:"id" yaml:"id"`
	Worker    string   `json:"worker" yaml:"worker"`
	Task      string   `json:"task" yaml:"task"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// WorkflowPlan is a declarative DAG of steps produced by a template or the
// LLM planner. Reasoning records where the plan came from.
type WorkflowPlan struct {
	Name      string         `json:"name" yaml:"name"`
	Reasoning string         `json:"reasoning,omitempty" yaml:"-"`
	Steps     []WorkflowStep `json:"steps" yaml:"steps"`
}

// Validate rejects plans the scheduler cannot run to completion: empty
// plans, blank or duplicate step ids, steps without a worker, and
// dependencies that do not name an earlier step.
func (p *WorkflowPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("workflow plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow plan %q: step %d has an empty id", p.Name, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow plan %q: duplicate step id %q", p.Name, s.ID)
		}
		if s.Worker == "" {
			return fmt.Errorf("workflow plan %q: step %q has no worker", p.Name, s.ID)
		}
		if s.Task == "" {
			return fmt.Errorf("workflow plan %q: step %q has no task", p.Name, s.ID)
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("workflow plan %q: step %q depends on %q, which is not an earlier step", p.Name, s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// Eligible returns, in plan order, every step that has not completed and
// whose dependencies are all in the done set.
func (p *WorkflowPlan) Eligible(done map[string]bool) []WorkflowStep {
	var eligible []WorkflowStep
	for _, s := range p.Steps {
		if done[s.ID] {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

// StepResult is the completed output of one workflow step.
type StepResult struct {
	StepID string `json:"step_id"`
	Worker string `json:"worker"`
	Task   string `json:"task"`
	Output string `json:"output"`
}

// WorkflowState is the scheduler's checkpointable view of one run: the
// conversation, the active plan, and the set of completed step results.
type WorkflowState struct {
	Messages         []ChatMessage `json:"messages"`
	Plan             *WorkflowPlan `json:"plan,omitempty"`
	CompletedResults []StepResult  `json:"completed_results,omitempty"`
	Round            int           `json:"round"`
	FinalOutput      string        `json:"final_output,omitempty"`
}

// MergeResults folds a round's step results into the completed set. The set
// is keyed by step id, so merging is commutative within a round; a second
// result claiming an already-recorded id reports ErrDuplicateStep.
func (w *WorkflowState) MergeResults(results ...StepResult) error {
	have := make(map[string]bool, len(w.CompletedResults)+len(results))
	for _, r := range w.CompletedResults {
		have[r.StepID] = true
	}
	for _, r := range results {
		if have[r.StepID] {
			return &ErrDuplicateStep{StepID: r.StepID}
		}
		have[r.StepID] = true
		w.CompletedResults = append(w.CompletedResults, r)
	}
	return nil
}

// CompletedIDs returns the set of step ids that have recorded results.
func (w *WorkflowState) CompletedIDs() map[string]bool {
	done := make(map[string]bool, len(w.CompletedResults))
	for _, r := range w.CompletedResults {
		done[r.StepID] = true
	}
	return done
}

func (w *WorkflowState) resultFor(stepID string) (StepResult, bool) {
	for _, r := range w.CompletedResults {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepResult{}, false
}

// DependencyContext renders the outputs a step's dependencies produced, in
// dependency order, for inclusion in the worker's task prompt.
func (w *WorkflowState) DependencyContext(step WorkflowStep) string {
	var blocks []string
	for _, dep := range step.DependsOn {
		if r, ok := w.resultFor(dep); ok {
			blocks = append(blocks, fmt.Sprintf("[Result from %s]:\n%s", dep, r.Output))
		}
	}
	return strings.Join(blocks, "\n\n")
}

// Synthesize produces the final report by concatenating step outputs in plan
// order under per-step headings. The completed set is order-independent, so
// rendering in plan order keeps the report deterministic regardless of how
// rounds interleaved.
func (w *WorkflowState) Synthesize() string {
	if w.Plan == nil || len(w.CompletedResults) == 0 {
		return "No results to synthesize."
	}
	sections := make([]string, 0, len(w.CompletedResults))
	for _, step := range w.Plan.Steps {
		r, ok := w.resultFor(step.ID)
		if !ok {
			continue
		}
		sections = append(sections, fmt.Sprintf("### Step: %s (Worker: %s)\n**Task**: %s\n\n%s",
			r.StepID, r.Worker, truncateStr(r.Task, 200), r.Output))
	}
	return fmt.Sprintf("# Workflow Results: %s\n*Completed %d steps*\n\n%s",
		w.Plan.Name, len(sections), strings.Join(sections, "\n\n---\n\n"))
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Fast path: byte length ≤ n guarantees rune count ≤ n,
	// avoiding the []rune allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
