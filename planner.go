package praxis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Planner produces a WorkflowPlan for a request. Source precedence: an
// explicitly named template, a template whose triggers match the message,
// an LLM-synthesized plan, and finally a single-step coder fallback. The
// planner never fails a request over a bad plan; only context cancellation
// propagates as an error.
type Planner struct {
	provider Provider
	library  *TemplateLibrary
	model    string
	logger   *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerModel pins the model used for plan synthesis.
func WithPlannerModel(model string) PlannerOption {
	return func(p *Planner) { p.model = model }
}

func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPlanner builds a Planner. library may be nil, which disables both
// template levels.
func NewPlanner(provider Provider, library *TemplateLibrary, opts ...PlannerOption) *Planner {
	if provider == nil {
		panic("praxis: NewPlanner requires a provider")
	}
	p := &Planner{
		provider: provider,
		library:  library,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan resolves the plan for userMessage. templateName, when non-empty,
// names a template to load directly; an unknown name falls through to the
// next source. workers is the catalog the LLM may assign steps to.
func (p *Planner) Plan(ctx context.Context, userMessage, templateName string, workers []WorkerInfo) (*WorkflowPlan, error) {
	if p.library != nil {
		if templateName != "" {
			if tpl, ok := p.library.Get(templateName); ok {
				p.logger.Info("workflow_template_matched",
					"template", templateName,
					"steps", len(tpl.Steps))
				return injectUserContext(tpl, userMessage), nil
			}
			p.logger.Warn("workflow_template_unknown", "template", templateName)
		}
		if tpl, ok := p.library.Match(userMessage); ok {
			p.logger.Info("workflow_template_matched",
				"template", tpl.Name,
				"steps", len(tpl.Steps),
				"source", "trigger")
			return injectUserContext(tpl, userMessage), nil
		}
	}
	return p.synthesize(ctx, userMessage, workers)
}

// synthesize asks the model for a plan and falls back to a single coder
// step when anything about the answer is unusable.
func (p *Planner) synthesize(ctx context.Context, userMessage string, workers []WorkerInfo) (*WorkflowPlan, error) {
	resp, err := p.provider.Chat(ctx, ChatRequest{
		Model: p.model,
		Messages: []ChatMessage{
			SystemMessage(p.planningPrompt(workers)),
			UserMessage(userMessage),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.fallback(userMessage, err), nil
	}

	payload, err := parsePlanJSON(resp.Content)
	if err != nil {
		return p.fallback(userMessage, err), nil
	}

	valid := make(map[string]bool, len(workers))
	for _, w := range workers {
		valid[w.Name] = true
	}
	steps := make([]WorkflowStep, 0, len(payload.Steps))
	for _, s := range payload.Steps {
		if !valid[s.Worker] {
			p.logger.Warn("workflow_planner_invalid_worker",
				"worker", s.Worker,
				"step", s.ID)
			continue
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", len(steps)+1)
		}
		steps = append(steps, s)
	}

	plan := &WorkflowPlan{
		Name:      payload.Name,
		Reasoning: payload.Reasoning,
		Steps:     steps,
	}
	if plan.Name == "" {
		plan.Name = "dynamic"
	}
	if plan.Reasoning == "" {
		plan.Reasoning = "LLM-generated plan"
	}
	if err := plan.Validate(); err != nil {
		return p.fallback(userMessage, err), nil
	}

	names := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		names[i] = s.Worker
	}
	p.logger.Info("workflow_plan_generated",
		"plan", plan.Name,
		"steps", len(plan.Steps),
		"workers", names,
		"reasoning", plan.Reasoning)
	return plan, nil
}

func (p *Planner) fallback(userMessage string, cause error) *WorkflowPlan {
	p.logger.Error("workflow_planning_failed", "error", cause)
	return &WorkflowPlan{
		Name:      "fallback",
		Reasoning: fmt.Sprintf("Planning failed (%v), falling back to single coder worker.", cause),
		Steps: []WorkflowStep{
			{ID: "step_1", Worker: "coder", Task: userMessage},
		},
	}
}

// planningPrompt renders the synthesis directive with the worker catalog
// and the template digest.
func (p *Planner) planningPrompt(workers []WorkerInfo) string {
	var desc strings.Builder
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		fmt.Fprintf(&desc, "- **%s**: %s\n", w.Name, w.Description)
		names = append(names, w.Name)
	}
	templatesPrompt := "No predefined workflow templates available."
	if p.library != nil {
		templatesPrompt = p.library.PromptSection()
	}

	return "You are a Workflow Planner. Your job is to break down a user's complex request " +
		"into a multi-step execution plan, assigning each step to the most appropriate worker.\n\n" +
		"## Available Workers\n" +
		strings.TrimRight(desc.String(), "\n") + "\n\n" +
		templatesPrompt + "\n\n" +
		"## Instructions\n" +
		"1. Analyze the user's request carefully.\n" +
		"2. If the request matches one of the available templates, use that template name.\n" +
		"3. Otherwise, create a dynamic multi-step plan.\n" +
		"4. Each step must specify: id, worker, task description, and dependencies.\n" +
		"5. Steps without dependencies can run in parallel.\n" +
		"6. Steps with depends_on will run after those dependencies complete.\n" +
		"7. Use 2-5 steps. Keep each step focused on one clear task.\n\n" +
		"## Output Format\n" +
		"Respond with ONLY a JSON object:\n" +
		"```json\n" +
		"{\n" +
		"  \"name\": \"workflow_name\",\n" +
		"  \"reasoning\": \"brief explanation\",\n" +
		"  \"steps\": [\n" +
		"    {\"id\": \"step_1\", \"worker\": \"researcher\", \"task\": \"...\", \"depends_on\": []},\n" +
		"    {\"id\": \"step_2\", \"worker\": \"coder\", \"task\": \"...\", \"depends_on\": [\"step_1\"]}\n" +
		"  ]\n" +
		"}\n" +
		"```\n\n" +
		"Valid worker names: " + strings.Join(names, ", ")
}

// injectUserContext appends the user's request to every step task so
// template plans stay anchored to what was actually asked.
func injectUserContext(plan WorkflowPlan, userMessage string) *WorkflowPlan {
	steps := make([]WorkflowStep, len(plan.Steps))
	for i, s := range plan.Steps {
		s.Task = s.Task + "\n\nUser's original request: " + userMessage
		s.DependsOn = append([]string(nil), s.DependsOn...)
		steps[i] = s
	}
	return &WorkflowPlan{Name: plan.Name, Reasoning: plan.Reasoning, Steps: steps}
}

// parsePlanJSON extracts the plan object from a model reply, stripping a
// markdown fence when present and repairing near-JSON before giving up.
func parsePlanJSON(content string) (WorkflowPlan, error) {
	raw := content
	if strings.Contains(raw, "```") {
		parts := strings.SplitN(raw, "```", 3)
		if len(parts) < 2 {
			return WorkflowPlan{}, fmt.Errorf("parse plan JSON: unbalanced code fence")
		}
		raw = strings.TrimPrefix(parts[1], "json")
	}
	raw = strings.TrimSpace(raw)

	var plan WorkflowPlan
	if err := json.Unmarshal([]byte(raw), &plan); err == nil {
		return plan, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return WorkflowPlan{}, fmt.Errorf("parse plan JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &plan); err != nil {
		return WorkflowPlan{}, fmt.Errorf("parse plan JSON after repair: %w", err)
	}
	return plan, nil
}
