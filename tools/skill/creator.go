package skill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nevindra/praxis"
)

// ErrNoSkill reports that a conversation held nothing worth distilling.
var ErrNoSkill = errors.New("skill: no reusable knowledge found")

const noSkillMarker = "NO_SKILL_FOUND"

const createSystemPrompt = `You are a Skill Creator, an expert at distilling conversations and instructions
into reusable, modular skill definitions for an AI agent.

A skill consists of:
- name: A unique snake_case identifier (e.g., "api_design", "data_pipeline")
- description: A concise 1-2 sentence description of what the skill does and when to use it.
  This is the PRIMARY triggering mechanism. Include both what the skill does AND specific triggers/contexts.
- tags: Comma-separated categorization tags
- content: The full skill body in Markdown with procedural instructions, checklists, examples, patterns.
  Only include information that is NON-OBVIOUS to an AI agent. Prefer concise examples over verbose explanations.

Output format (YAML frontmatter + Markdown body):
` + "```" + `
---
name: skill_name_here
description: Brief but comprehensive description including when to use this skill
tags: tag1, tag2, tag3
---

# Skill Title

[Markdown instructions, checklists, examples, patterns]
` + "```" + `

Key principles:
- Concise is key. The context window is a shared resource.
- Only add knowledge the AI doesn't already have.
- Use imperative/infinitive form in instructions.
- Prefer concrete examples over abstract explanations.
- Challenge each paragraph: "Does this justify its token cost?"`

const createUserPrompt = `Based on the following %s, create a reusable skill:

%s

Generate a complete skill definition in the specified YAML frontmatter + Markdown format.
Focus on extracting reusable patterns, procedures, and domain knowledge.`

const updateSystemPrompt = `You are a Skill Updater. You incrementally improve existing skills
by merging new knowledge while preserving the original structure and valuable content.

Rules:
- PRESERVE all existing valuable content
- ADD new knowledge, patterns, or examples from the new information
- REMOVE only clearly outdated or contradictory information
- MAINTAIN the same YAML frontmatter format (name, description, tags)
- INCREMENT the version mentally; the caller handles version tracking
- Keep the skill CONCISE. Challenge each addition: "Does this justify its token cost?"

Output the complete updated skill in the same YAML frontmatter + Markdown format.`

const updateUserPrompt = `Here is the existing skill:

` + "```" + `
---
name: %s
description: %s
tags: %s
---

%s
` + "```" + `

New information to merge:

%s

Output the complete updated skill with the new knowledge merged in.`

const fromConversationPrompt = `Analyze this conversation and extract reusable knowledge into a skill.

Conversation:
%s

Look for:
1. Specialized workflows or multi-step procedures
2. Domain-specific patterns or best practices
3. Reusable code templates or configurations
4. Decision frameworks or troubleshooting guides
5. Any procedural knowledge that would help handle similar requests in the future

If the conversation contains valuable reusable knowledge, generate a skill.
If the conversation is too generic or casual to extract a meaningful skill, respond with exactly: NO_SKILL_FOUND

Generate a complete skill definition in the specified YAML frontmatter + Markdown format.`

// Creator synthesizes skill documents with an LLM. It turns free-form
// instructions or conversation transcripts into front-mattered skills and
// merges new knowledge into existing ones.
type Creator struct {
	provider praxis.Provider
	model    string
}

// NewCreator builds a Creator. An empty model leaves the choice to the
// provider.
func NewCreator(provider praxis.Provider, model string) *Creator {
	return &Creator{provider: provider, model: model}
}

// Create synthesizes a new skill from a free-form instruction.
func (c *Creator) Create(ctx context.Context, instruction string) (Skill, error) {
	resp, err := c.provider.Chat(ctx, praxis.ChatRequest{
		Model: c.model,
		Messages: []praxis.ChatMessage{
			praxis.SystemMessage(createSystemPrompt),
			praxis.UserMessage(fmt.Sprintf(createUserPrompt, "instruction", instruction)),
		},
	})
	if err != nil {
		return Skill{}, fmt.Errorf("skill: create: %w", err)
	}
	s, err := parseSkillResponse(resp.Content)
	if err != nil {
		return Skill{}, err
	}
	s.Source = SourceAgent
	s.AutoGenerated = true
	return s, nil
}

// Update merges new information into an existing skill. The draft keeps
// the existing source and auto flag; version numbering belongs to the
// registry.
func (c *Creator) Update(ctx context.Context, existing Skill, newInfo string) (Skill, error) {
	user := fmt.Sprintf(updateUserPrompt,
		existing.Name, existing.Description, strings.Join(existing.Tags, ", "),
		existing.Content, newInfo)
	resp, err := c.provider.Chat(ctx, praxis.ChatRequest{
		Model: c.model,
		Messages: []praxis.ChatMessage{
			praxis.SystemMessage(updateSystemPrompt),
			praxis.UserMessage(user),
		},
	})
	if err != nil {
		return Skill{}, fmt.Errorf("skill: update %s: %w", existing.Name, err)
	}
	s, err := parseSkillResponse(resp.Content)
	if err != nil {
		return Skill{}, err
	}
	s.Source = existing.Source
	s.AutoGenerated = existing.AutoGenerated
	return s, nil
}

// FromConversation distills a session transcript into a skill. It returns
// ErrNoSkill when the conversation is too generic to extract anything.
func (c *Creator) FromConversation(ctx context.Context, messages []praxis.ChatMessage) (Skill, error) {
	resp, err := c.provider.Chat(ctx, praxis.ChatRequest{
		Model: c.model,
		Messages: []praxis.ChatMessage{
			praxis.SystemMessage(createSystemPrompt),
			praxis.UserMessage(fmt.Sprintf(fromConversationPrompt, formatConversation(messages))),
		},
	})
	if err != nil {
		return Skill{}, fmt.Errorf("skill: from conversation: %w", err)
	}
	if strings.Contains(resp.Content, noSkillMarker) {
		return Skill{}, ErrNoSkill
	}
	s, err := parseSkillResponse(resp.Content)
	if err != nil {
		return Skill{}, err
	}
	s.Source = SourceConversation
	s.AutoGenerated = true
	return s, nil
}

// formatConversation renders messages as a readable transcript. System
// directives are dropped; tool output is labeled System.
func formatConversation(messages []praxis.ChatMessage) string {
	var parts []string
	for _, m := range messages {
		var role string
		switch m.Role {
		case "user":
			role = "User"
		case "assistant":
			role = "Assistant"
		case "system":
			continue
		default:
			role = "System"
		}
		parts = append(parts, fmt.Sprintf("**%s**: %s", role, m.Content))
	}
	return strings.Join(parts, "\n\n")
}

// parseSkillResponse decodes a model reply into a skill draft. Wrapping
// code fences are stripped before the front matter is parsed.
func parseSkillResponse(response string) (Skill, error) {
	text := strings.TrimSpace(response)
	if strings.HasPrefix(text, "```") {
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		if strings.HasSuffix(text, "```") {
			text = strings.TrimSpace(text[:len(text)-3])
		}
	}
	s, err := parseSkill(text, SourceAgent)
	if err != nil {
		return Skill{}, fmt.Errorf("skill: parse model output: %w", err)
	}
	return s, nil
}
