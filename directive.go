package praxis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultDirectiveTemplate is the base system directive used when the
// caller supplies none.
const DefaultDirectiveTemplate = `You are a capable assistant orchestrating tools on the user's behalf.

## Instructions

- Answer directly when no tool is needed.
- Prefer registered tools over guessing at facts.
- When a listed skill covers the task, call load_skill first and follow the loaded instructions.`

// SkillSummary is one entry of the skill index: the name and one-line
// description that go into every directive. Bodies stay out of the prompt
// and are loaded on demand through the load_skill tool.
type SkillSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SkillIndexer lists the available skills for directive rendering.
type SkillIndexer interface {
	Index(ctx context.Context) []SkillSummary
}

// MemoryFunc returns recalled memory text for the current state. Empty
// output omits the memory section.
type MemoryFunc func(ctx context.Context, st *State) string

// PromptContext carries the dynamic inputs of directive rendering.
type PromptContext struct {
	Skills []SkillSummary
	Memory string
	Role   string
	Now    time.Time
}

// Directive is the system-directive middleware. On every cycle it renders
// the system message from its template and a PromptContext, so two states
// with the same inputs always produce identical directives.
type Directive struct {
	template string
	skills   SkillIndexer
	memory   MemoryFunc
	clock    func() time.Time
}

var _ Middleware = (*Directive)(nil)
var _ BeforeModelHook = (*Directive)(nil)

// DirectiveOption configures a Directive.
type DirectiveOption func(*Directive)

// WithSkillIndex wires the skill catalog into directive rendering.
func WithSkillIndex(si SkillIndexer) DirectiveOption {
	return func(d *Directive) { d.skills = si }
}

// WithMemory wires recalled-memory injection into directive rendering.
func WithMemory(fn MemoryFunc) DirectiveOption {
	return func(d *Directive) { d.memory = fn }
}

// WithDirectiveClock overrides the timestamp source. Tests use this to pin
// rendering output.
func WithDirectiveClock(fn func() time.Time) DirectiveOption {
	return func(d *Directive) {
		if fn != nil {
			d.clock = fn
		}
	}
}

// NewDirective builds the directive middleware around template. An empty
// template falls back to DefaultDirectiveTemplate.
func NewDirective(template string, opts ...DirectiveOption) *Directive {
	if strings.TrimSpace(template) == "" {
		template = DefaultDirectiveTemplate
	}
	d := &Directive{template: template, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements Middleware.
func (d *Directive) Name() string { return "directive" }

// BeforeModel implements BeforeModelHook by rewriting the leading system
// message from the current context.
func (d *Directive) BeforeModel(ctx context.Context, st *State) error {
	pc := PromptContext{Role: st.Role(), Now: d.clock()}
	if d.skills != nil {
		pc.Skills = d.skills.Index(ctx)
	}
	if d.memory != nil {
		pc.Memory = d.memory(ctx, st)
	}
	st.SetSystem(d.Build(pc))
	return nil
}

// Build renders the directive text from pc. It is a pure function; the
// middleware machinery adds nothing beyond collecting the context.
func (d *Directive) Build(pc PromptContext) string {
	var b strings.Builder
	b.WriteString(d.template)
	if len(pc.Skills) > 0 {
		b.WriteString("\n\n## Available Skills\n\n")
		b.WriteString("Load a skill's full instructions with load_skill(skill_name).\n\n")
		for _, s := range pc.Skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
	}
	if pc.Memory != "" {
		b.WriteString("\n## Memory\n\n")
		b.WriteString(pc.Memory)
		b.WriteString("\n")
	}
	if pc.Role != "" {
		fmt.Fprintf(&b, "\nUser role: %s.", pc.Role)
	}
	if !pc.Now.IsZero() {
		fmt.Fprintf(&b, "\nCurrent time: %s.", pc.Now.UTC().Format(time.RFC3339))
	}
	return b.String()
}
