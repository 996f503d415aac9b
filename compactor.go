package praxis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultCompactTrigger = 4000
	defaultCompactKeep    = 20

	summaryPrefix = "[Summary of earlier conversation]\n"
)

// tokenCounter counts tokens with the cl100k_base encoding, falling back to
// a length estimate when the encoding cannot be loaded.
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (tc *tokenCounter) count(text string) int {
	tc.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			tc.enc = enc
		}
	})
	if tc.enc == nil {
		// Rough estimate: ~4 chars per token.
		return len(text) / 4
	}
	return len(tc.enc.Encode(text, nil, nil))
}

// Compactor is the history-compaction middleware. When the conversation
// exceeds a token trigger it folds all but the last keep messages into one
// summary message produced by the summarization backend. Compaction failure
// never fails the cycle; the history just stays long.
type Compactor struct {
	provider Provider
	model    string
	trigger  int
	keep     int
	counter  tokenCounter
	logger   *slog.Logger
}

var _ Middleware = (*Compactor)(nil)
var _ BeforeModelHook = (*Compactor)(nil)

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithCompactTrigger sets the token count that triggers compaction.
func WithCompactTrigger(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.trigger = n
		}
	}
}

// WithCompactKeep sets how many trailing messages survive compaction.
func WithCompactKeep(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.keep = n
		}
	}
}

// WithCompactModel sets the model name passed to the summarization backend.
func WithCompactModel(model string) CompactorOption {
	return func(c *Compactor) { c.model = model }
}

// WithCompactorLogger sets the logger for compaction events.
func WithCompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCompactor builds the compaction middleware. provider handles the
// summarization calls; it is typically the same gateway the driver uses,
// with a cheaper model set via WithCompactModel.
func NewCompactor(provider Provider, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		provider: provider,
		trigger:  defaultCompactTrigger,
		keep:     defaultCompactKeep,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Middleware.
func (c *Compactor) Name() string { return "compactor" }

// BeforeModel implements BeforeModelHook. On error from the summarization
// call it logs and returns nil: degrade, don't die.
func (c *Compactor) BeforeModel(ctx context.Context, st *State) error {
	before := c.stateTokens(st)
	if before <= c.trigger {
		return nil
	}

	// Never fold the leading system message; the directive middleware owns it.
	start := 0
	if len(st.Messages) > 0 && st.Messages[0].Role == "system" {
		start = 1
	}
	cut := len(st.Messages) - c.keep
	// A kept suffix must not begin with an orphaned tool result, or the
	// model sees a tool message without its owning assistant call.
	for cut > start && cut < len(st.Messages) && st.Messages[cut].Role == "tool" {
		cut--
	}
	if cut <= start {
		return nil
	}

	summary, err := c.summarize(ctx, st.Messages[start:cut])
	if err != nil {
		c.logger.Warn("history compaction failed, continuing uncompacted", "error", err)
		return nil
	}

	compacted := make([]ChatMessage, 0, len(st.Messages)-cut+start+1)
	compacted = append(compacted, st.Messages[:start]...)
	compacted = append(compacted, UserMessage(summaryPrefix+summary))
	compacted = append(compacted, st.Messages[cut:]...)
	removed := len(st.Messages) - len(compacted) + 1
	st.Messages = compacted

	c.logger.Info("history compacted",
		"session_id", st.SessionID(),
		"before_tokens", before,
		"after_tokens", c.stateTokens(st),
		"messages_removed", removed)
	return nil
}

func (c *Compactor) stateTokens(st *State) int {
	total := 0
	for _, m := range st.Messages {
		total += c.counter.count(m.Content)
	}
	return total
}

func (c *Compactor) summarize(ctx context.Context, msgs []ChatMessage) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n---\n", m.Role, m.Content)
	}
	resp, err := c.provider.Chat(ctx, ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			SystemMessage("Summarize the following conversation concisely. Preserve key facts, data values, decisions, and errors. Omit redundant details."),
			UserMessage(transcript.String()),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
