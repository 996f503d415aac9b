package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/praxis"
)

// KnowledgeOption configures a SQLite KnowledgeStore.
type KnowledgeOption func(*KnowledgeStore)

// WithKnowledgeLogger sets a structured logger for the knowledge store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithKnowledgeLogger(l *slog.Logger) KnowledgeOption {
	return func(s *KnowledgeStore) { s.logger = l }
}

// KnowledgeStore implements praxis.Retriever backed by SQLite FTS5
// full-text search over plain-text notes.
//
// Use NewKnowledgeStore with a shared *sql.DB from Store.DB() so both
// stores share the same serialized connection.
type KnowledgeStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ praxis.Retriever = (*KnowledgeStore)(nil)

// NewKnowledgeStore creates a KnowledgeStore using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewKnowledgeStore(db *sql.DB, opts ...KnowledgeOption) *KnowledgeStore {
	s := &KnowledgeStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the notes table and its FTS5 index.
func (s *KnowledgeStore) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: knowledge init started")
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS knowledge_notes (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		s.logger.Error("sqlite: knowledge init failed", "error", err, "duration", time.Since(start))
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(note_id UNINDEXED, content)`)
	if err != nil {
		s.logger.Error("sqlite: knowledge init failed", "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Info("sqlite: knowledge init completed", "duration", time.Since(start))
	return nil
}

// Add stores a note and indexes it for retrieval. It returns the note ID.
func (s *KnowledgeStore) Add(ctx context.Context, source, content string) (string, error) {
	start := time.Now()
	id := praxis.NewID()
	s.logger.Debug("sqlite: add note", "id", id, "source", source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO knowledge_notes (id, source, content, created_at) VALUES (?, ?, ?, ?)`,
		id, source, content, praxis.NowUnix())
	if err != nil {
		s.logger.Error("sqlite: add note failed", "id", id, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("insert note: %w", err)
	}
	// Keep FTS index in sync.
	if _, err := tx.ExecContext(ctx, `INSERT INTO knowledge_fts(note_id, content) VALUES (?, ?)`, id, content); err != nil {
		return "", fmt.Errorf("insert note fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit add note: %w", err)
	}
	s.logger.Debug("sqlite: add note ok", "id", id, "duration", time.Since(start))
	return id, nil
}

// Delete removes a note and its index entry.
func (s *KnowledgeStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete note", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_fts WHERE note_id = ?`, id); err != nil {
		return fmt.Errorf("delete note fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete note: %w", err)
	}
	s.logger.Debug("sqlite: delete note ok", "id", id, "duration", time.Since(start))
	return nil
}

// Retrieve performs full-text keyword search over stored notes. Results are
// sorted by relevance (FTS5 rank).
func (s *KnowledgeStore) Retrieve(ctx context.Context, query string, k int) ([]praxis.KnowledgeHit, error) {
	start := time.Now()
	s.logger.Debug("sqlite: retrieve knowledge", "query", query, "k", k)

	rows, err := s.db.QueryContext(ctx,
		`SELECT n.content, n.source, f.rank
		 FROM knowledge_fts f
		 JOIN knowledge_notes n ON n.id = f.note_id
		 WHERE knowledge_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, ftsQuery(query), k)
	if err != nil {
		return nil, fmt.Errorf("retrieve knowledge: %w", err)
	}
	defer rows.Close()

	var hits []praxis.KnowledgeHit
	for rows.Next() {
		var h praxis.KnowledgeHit
		var rank float64
		if err := rows.Scan(&h.Content, &h.Source, &rank); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		h.Score = -rank
		if h.Score < 0 {
			h.Score = 0
		}
		hits = append(hits, h)
	}
	s.logger.Debug("sqlite: retrieve knowledge ok", "returned", len(hits), "duration", time.Since(start))
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 match expression. Each term is
// quoted so user punctuation cannot break the MATCH grammar.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
