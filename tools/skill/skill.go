// Package skill stores reusable instruction packages as markdown files and
// exposes them to agents through the standard Tool interface. Skills follow
// progressive disclosure: directives carry only names and one-line
// descriptions, full bodies enter the context via load_skill, and agents
// grow the catalog at runtime with create_skill and update_skill.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/praxis"
)

// Tool exposes the skill registry to agents.
type Tool struct {
	registry *Registry
	creator  *Creator
}

// Compile-time interface check.
var _ praxis.Tool = (*Tool)(nil)

// NewTool wires the registry and creator into an agent-facing tool. The
// creator may be nil; create_skill and update_skill then report that skill
// synthesis is unavailable.
func NewTool(registry *Registry, creator *Creator) *Tool {
	return &Tool{registry: registry, creator: creator}
}

func (t *Tool) Definitions() []praxis.ToolDefinition {
	return []praxis.ToolDefinition{
		{
			Name:        "load_skill",
			Description: "Load the full content of a specialized skill into context. Use this when you need the detailed instructions, schemas, or procedures behind a listed skill.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"skill_name":{"type":"string","description":"Name of the skill to load (e.g. sql_query, data_analysis)"}
			},"required":["skill_name"]}`),
		},
		{
			Name:        "create_skill",
			Description: "Create a new reusable skill from instructions or a description. Use this when asked to learn a pattern, or when you identify reusable knowledge worth preserving.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"instruction":{"type":"string","description":"What the skill should capture: procedures, examples, patterns, or domain knowledge"}
			},"required":["instruction"]}`),
			Sensitive:    true,
			RequiresRole: "admin",
		},
		{
			Name:        "update_skill",
			Description: "Incrementally update an existing skill with new knowledge. Existing content is preserved and the new information is merged in.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"skill_name":{"type":"string","description":"Name of the existing skill to update"},
				"new_info":{"type":"string","description":"New information, patterns, or corrections to merge"}
			},"required":["skill_name","new_info"]}`),
			Sensitive:    true,
			RequiresRole: "admin",
		},
		{
			Name:        "list_skills",
			Description: "List all available skills with their version, source, and description.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (praxis.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "load_skill":
		result, err = t.handleLoad(args)
	case "create_skill":
		result, err = t.handleCreate(ctx, args)
	case "update_skill":
		result, err = t.handleUpdate(ctx, args)
	case "list_skills":
		result = t.handleList()
	default:
		return praxis.ToolResult{Error: "unknown skill tool: " + name}, nil
	}

	if err != nil {
		return praxis.ToolResult{Error: err.Error()}, nil
	}
	return praxis.ToolResult{Content: result}, nil
}

func (t *Tool) handleLoad(args json.RawMessage) (string, error) {
	var p struct {
		SkillName string `json:"skill_name"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.SkillName == "" {
		return "", fmt.Errorf("skill_name is required")
	}

	if s, ok := t.registry.Get(p.SkillName); ok {
		return fmt.Sprintf("# Skill: %s\n\n%s", s.Name, s.Content), nil
	}
	// Not an error: the model can pick a listed name and retry.
	return fmt.Sprintf("Skill '%s' not found. Available skills: %s", p.SkillName, t.available()), nil
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Instruction string `json:"instruction"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return "", fmt.Errorf("instruction is required")
	}
	if t.creator == nil {
		return "", fmt.Errorf("skill synthesis is not configured")
	}

	draft, err := t.creator.Create(ctx, p.Instruction)
	if err != nil {
		return "", err
	}
	s, err := t.registry.Upsert(draft)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Skill '%s' created successfully (v%d).\nDescription: %s\nTags: %s\nThe skill is now available via `load_skill('%s')` for future use.",
		s.Name, s.Version, s.Description, strings.Join(s.Tags, ", "), s.Name,
	), nil
}

func (t *Tool) handleUpdate(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		SkillName string `json:"skill_name"`
		NewInfo   string `json:"new_info"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.SkillName == "" || strings.TrimSpace(p.NewInfo) == "" {
		return "", fmt.Errorf("skill_name and new_info are required")
	}

	existing, ok := t.registry.Get(p.SkillName)
	if !ok {
		return fmt.Sprintf("Skill '%s' not found. Available skills: %s", p.SkillName, t.available()), nil
	}
	if t.creator == nil {
		return "", fmt.Errorf("skill synthesis is not configured")
	}

	draft, err := t.creator.Update(ctx, existing, p.NewInfo)
	if err != nil {
		return "", err
	}
	s, err := t.registry.Upsert(draft)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Skill '%s' updated to v%d.\nDescription: %s\nThe updated skill content is now available via `load_skill('%s')`.",
		s.Name, s.Version, s.Description, s.Name,
	), nil
}

func (t *Tool) handleList() string {
	skills := t.registry.List()
	if len(skills) == 0 {
		return "No skills registered."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total skills: %d\n", len(skills))
	for _, s := range skills {
		origin := "[manual]"
		if s.AutoGenerated {
			origin = "[auto-generated]"
		}
		fmt.Fprintf(&b, "\n- **%s** (v%d) %s: %s", s.Name, s.Version, origin, s.Description)
		if len(s.Tags) > 0 {
			fmt.Fprintf(&b, " Tags: %s", strings.Join(s.Tags, ", "))
		}
	}
	return b.String()
}

func (t *Tool) available() string {
	skills := t.registry.List()
	names := make([]string, 0, len(skills))
	for _, s := range skills {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}
