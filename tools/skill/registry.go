package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/nevindra/praxis"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Skill sources. Manual skills are hand-authored files in the base
// directory, agent skills are written at runtime, conversation skills are
// distilled from session transcripts.
const (
	SourceManual       = "manual"
	SourceConversation = "conversation"
	SourceAgent        = "agent"
)

// Skill is one stored instruction package: a markdown body plus the
// metadata from its YAML front matter.
type Skill struct {
	Name          string
	Description   string
	Tags          []string
	Version       int
	Source        string
	AutoGenerated bool
	Content       string
}

// frontMatter is the YAML header of a skill file.
type frontMatter struct {
	Name          string  `yaml:"name"`
	Description   string  `yaml:"description"`
	Tags          tagList `yaml:"tags"`
	Version       int     `yaml:"version"`
	Source        string  `yaml:"source"`
	AutoGenerated bool    `yaml:"auto_generated"`
}

// tagList accepts both the comma-separated scalar form ("sql, reporting")
// and a YAML sequence. It always marshals back to the scalar form.
type tagList []string

func (t *tagList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*t = splitTags(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*t = items
		return nil
	default:
		return fmt.Errorf("tags: unsupported YAML node kind %v", value.Kind)
	}
}

func (t tagList) MarshalYAML() (any, error) {
	return strings.Join(t, ", "), nil
}

func splitTags(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Registry holds the loaded skills keyed by name. Manual skills come from
// the base directory; agent-created skills persist under the auto
// directory and win name collisions because they load last.
type Registry struct {
	dir     string
	autoDir string
	logger  *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

var _ praxis.SkillIndexer = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a skill registry over dir. Agent-created skills are
// persisted under autoDir; empty autoDir defaults to dir/_auto.
func NewRegistry(dir, autoDir string, opts ...RegistryOption) *Registry {
	if autoDir == "" {
		autoDir = filepath.Join(dir, "_auto")
	}
	r := &Registry{
		dir:     dir,
		autoDir: autoDir,
		logger:  nopLogger,
		skills:  make(map[string]Skill),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load scans the base and auto directories for .md files and registers
// every skill that parses. Unparseable files are logged and skipped. It
// returns the number of skills resident after the scan.
func (r *Registry) Load() (int, error) {
	if err := os.MkdirAll(r.autoDir, 0o755); err != nil {
		return 0, fmt.Errorf("skill: create auto dir: %w", err)
	}
	r.loadDir(r.dir, SourceManual)
	r.loadDir(r.autoDir, SourceAgent)

	r.mu.RLock()
	n := len(r.skills)
	r.mu.RUnlock()
	r.logger.Debug("skills_loaded", "count", n, "dir", r.dir)
	return n, nil
}

func (r *Registry) loadDir(dir, defaultSource string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("skill_dir_unreadable", "dir", dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skill_file_unreadable", "path", path, "error", err)
			continue
		}
		s, err := parseSkill(string(raw), defaultSource)
		if err != nil {
			r.logger.Warn("skill_file_invalid", "path", path, "error", err)
			continue
		}
		r.mu.Lock()
		r.skills[s.Name] = s
		r.mu.Unlock()
		r.logger.Debug("skill_loaded", "skill", s.Name, "source", s.Source)
	}
}

// Get returns a skill by exact name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns all skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upsert registers a skill under its name. New names start at version 1;
// existing names increment the resident version regardless of what s
// carries. Auto-generated skills are written to the auto directory before
// the in-memory table changes, so a failed write leaves the old version
// visible.
func (r *Registry) Upsert(s Skill) (Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.skills[s.Name]; ok {
		s.Version = existing.Version + 1
	} else {
		s.Version = 1
	}
	if s.Source == "" {
		s.Source = SourceAgent
	}
	if s.AutoGenerated {
		if err := r.save(s); err != nil {
			return Skill{}, err
		}
	}
	r.skills[s.Name] = s
	r.logger.Debug("skill_upserted", "skill", s.Name, "version", s.Version, "auto", s.AutoGenerated)
	return s, nil
}

// Index implements praxis.SkillIndexer. Only names and descriptions leave
// the registry; bodies stay out of directives and load on demand.
func (r *Registry) Index(_ context.Context) []praxis.SkillSummary {
	skills := r.List()
	out := make([]praxis.SkillSummary, 0, len(skills))
	for _, s := range skills {
		out = append(out, praxis.SkillSummary{Name: s.Name, Description: s.Description})
	}
	return out
}

func (r *Registry) save(s Skill) error {
	if err := os.MkdirAll(r.autoDir, 0o755); err != nil {
		return fmt.Errorf("skill: create auto dir: %w", err)
	}
	doc, err := encodeSkill(s)
	if err != nil {
		return err
	}
	path := filepath.Join(r.autoDir, slugify(s.Name)+".md")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("skill: write %s: %w", path, err)
	}
	return nil
}

// encodeSkill renders the persisted file form: YAML front matter between
// "---" fences, a blank line, then the markdown body.
func encodeSkill(s Skill) ([]byte, error) {
	meta, err := yaml.Marshal(frontMatter{
		Name:          s.Name,
		Description:   s.Description,
		Tags:          tagList(s.Tags),
		Version:       s.Version,
		Source:        s.Source,
		AutoGenerated: s.AutoGenerated,
	})
	if err != nil {
		return nil, fmt.Errorf("skill: encode front matter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(s.Content))
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// parseSkill decodes a front-mattered markdown document. A missing
// description falls back to the first paragraph of the body.
func parseSkill(raw, defaultSource string) (Skill, error) {
	meta, body, ok := splitFrontMatter(raw)
	if !ok {
		return Skill{}, errors.New("missing front matter")
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
		return Skill{}, fmt.Errorf("front matter: %w", err)
	}
	if fm.Name == "" {
		return Skill{}, errors.New("front matter missing name")
	}
	desc := strings.TrimSpace(fm.Description)
	if desc == "" {
		desc = firstParagraph(body)
	}
	if desc == "" {
		return Skill{}, errors.New("no description and no body to derive one from")
	}

	s := Skill{
		Name:          fm.Name,
		Description:   desc,
		Tags:          fm.Tags,
		Version:       fm.Version,
		Source:        fm.Source,
		AutoGenerated: fm.AutoGenerated,
		Content:       body,
	}
	if s.Version <= 0 {
		s.Version = 1
	}
	if s.Source == "" {
		s.Source = defaultSource
	}
	return s, nil
}

// splitFrontMatter separates the YAML header from the markdown body. The
// document must open with a "---" line; the header runs to the next line
// starting with "---".
func splitFrontMatter(raw string) (meta, body string, ok bool) {
	if !strings.HasPrefix(raw, "---") {
		return "", "", false
	}
	rest := raw[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", false
	}
	meta = strings.TrimSpace(rest[:end])
	body = rest[end+len("\n---"):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return meta, strings.TrimSpace(body), true
}

// firstParagraph extracts the text of the first markdown paragraph,
// skipping headings and other block elements.
func firstParagraph(body string) string {
	src := []byte(body)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		para, isPara := n.(*ast.Paragraph)
		if !isPara {
			continue
		}
		var b strings.Builder
		_ = ast.Walk(para, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
			if entering {
				if t, isText := child.(*ast.Text); isText {
					b.Write(t.Segment.Value(src))
					if t.SoftLineBreak() || t.HardLineBreak() {
						b.WriteByte(' ')
					}
				}
			}
			return ast.WalkContinue, nil
		})
		if s := strings.TrimSpace(b.String()); s != "" {
			return s
		}
	}
	return ""
}

// slugStrip removes diacritics so "café" slugs to "cafe".
var slugStrip = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// slugify folds a skill name into a file stem: diacritics stripped,
// lowercased, runs of non-alphanumerics collapsed to single underscores.
func slugify(name string) string {
	folded, _, err := transform.String(slugStrip, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	gap := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if gap && b.Len() > 0 {
				b.WriteByte('_')
			}
			gap = false
			b.WriteRune(r)
			continue
		}
		gap = true
	}
	if b.Len() == 0 {
		return "skill"
	}
	return b.String()
}
