package praxis

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nevindra/praxis/templates"
)

// templateFile is the YAML shape of one workflow template on disk.
type templateFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Triggers    []string       `yaml:"triggers"`
	Steps       []WorkflowStep `yaml:"steps"`
}

// TemplateInfo describes one template for listings and planner prompts.
type TemplateInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TemplateLibrary holds named workflow templates. Built-in templates are
// loaded from the embedded templates package; operators can layer their own
// directory on top, where a name collision replaces the built-in.
type TemplateLibrary struct {
	mu      sync.RWMutex
	entries map[string]templateFile
	order   []string
	logger  *slog.Logger
}

type TemplateOption func(*TemplateLibrary)

func WithTemplateLogger(l *slog.Logger) TemplateOption {
	return func(t *TemplateLibrary) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTemplateLibrary loads the built-in templates and applies options.
func NewTemplateLibrary(opts ...TemplateOption) *TemplateLibrary {
	l := &TemplateLibrary{
		entries: make(map[string]templateFile),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.loadFS(templates.FS, ".")
	return l
}

// LoadDir parses every .yaml/.yml file in dir into the library and returns
// how many templates were loaded. Files that fail to parse or validate are
// skipped with a warning so one bad template cannot poison the rest.
func (l *TemplateLibrary) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("template dir %s: %w", dir, err)
	}
	return l.loadFS(os.DirFS(dir), "."), nil
}

func (l *TemplateLibrary) loadFS(fsys fs.FS, root string) int {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		l.logger.Warn("workflow_templates_dir_unreadable", "error", err)
		return 0
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var loaded int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			l.logger.Warn("workflow_template_read_failed", "file", name, "error", err)
			continue
		}
		var tf templateFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			l.logger.Warn("workflow_template_parse_failed", "file", name, "error", err)
			continue
		}
		if err := l.add(tf); err != nil {
			l.logger.Warn("workflow_template_invalid", "file", name, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

func (l *TemplateLibrary) add(tf templateFile) error {
	if tf.Name == "" {
		return fmt.Errorf("template has no name")
	}
	plan := tf.plan()
	if err := plan.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	if _, exists := l.entries[tf.Name]; !exists {
		l.order = append(l.order, tf.Name)
	}
	l.entries[tf.Name] = tf
	l.mu.Unlock()
	l.logger.Info("workflow_template_loaded", "template", tf.Name, "steps", len(tf.Steps))
	return nil
}

// plan produces a fresh WorkflowPlan so callers can enrich step tasks
// without mutating the stored template.
func (tf templateFile) plan() WorkflowPlan {
	steps := make([]WorkflowStep, len(tf.Steps))
	for i, s := range tf.Steps {
		steps[i] = WorkflowStep{
			ID:        s.ID,
			Worker:    s.Worker,
			Task:      s.Task,
			DependsOn: append([]string(nil), s.DependsOn...),
		}
	}
	return WorkflowPlan{
		Name:      tf.Name,
		Reasoning: "Loaded from template: " + tf.Name,
		Steps:     steps,
	}
}

// Get returns a copy of the named template's plan.
func (l *TemplateLibrary) Get(name string) (WorkflowPlan, bool) {
	l.mu.RLock()
	tf, ok := l.entries[name]
	l.mu.RUnlock()
	if !ok {
		return WorkflowPlan{}, false
	}
	return tf.plan(), true
}

// Match scans templates in load order and returns the first whose trigger
// phrases appear in the message. Matching is case-insensitive substring.
func (l *TemplateLibrary) Match(message string) (WorkflowPlan, bool) {
	lower := strings.ToLower(message)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, name := range l.order {
		tf := l.entries[name]
		for _, trigger := range tf.Triggers {
			if trigger == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(trigger)) {
				return tf.plan(), true
			}
		}
	}
	return WorkflowPlan{}, false
}

// List returns template names and descriptions in load order.
func (l *TemplateLibrary) List() []TemplateInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TemplateInfo, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, TemplateInfo{Name: name, Description: l.entries[name].Description})
	}
	return out
}

// PromptSection renders the template catalog for the planner prompt.
func (l *TemplateLibrary) PromptSection() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.order) == 0 {
		return "No predefined workflow templates available."
	}
	lines := []string{"## Available Workflow Templates"}
	for _, name := range l.order {
		tf := l.entries[name]
		flow := make([]string, len(tf.Steps))
		for i, s := range tf.Steps {
			flow[i] = fmt.Sprintf("%s(%s)", s.Worker, s.ID)
		}
		lines = append(lines, fmt.Sprintf("- **%s**: %s", name, tf.Description))
		lines = append(lines, "  Flow: "+strings.Join(flow, " → "))
	}
	return strings.Join(lines, "\n")
}
