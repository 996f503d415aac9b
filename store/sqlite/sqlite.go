// Package sqlite persists checkpoints, sessions, and knowledge notes in a
// single SQLite file using a pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/praxis"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements praxis.Saver and praxis.SessionStore backed by a local
// SQLite file. Checkpoint state is stored as JSON text; pending writes keep
// their raw bytes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ praxis.Saver = (*Store)(nil)
var _ praxis.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			state TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value BLOB,
			PRIMARY KEY (thread_id, namespace, checkpoint_id, task_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_pair ON checkpoints(thread_id, namespace)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_writes_checkpoint ON checkpoint_writes(thread_id, namespace, checkpoint_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// DB exposes the underlying database handle so other stores (for example
// KnowledgeStore) can share the same serialized connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Checkpoints ---

// Put inserts a checkpoint and its pending writes in one transaction.
// A checkpoint ID already stored for the (thread, namespace) pair fails
// with *praxis.ErrDuplicateCheckpoint and leaves the database untouched.
func (s *Store) Put(ctx context.Context, cp praxis.Checkpoint, writes []praxis.PendingWrite) error {
	start := time.Now()
	s.logger.Debug("sqlite: put checkpoint", "thread_id", cp.ThreadID, "namespace", cp.Namespace, "checkpoint_id", cp.ID, "writes", len(writes))

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var metaJSON []byte
	if len(cp.Metadata) > 0 {
		metaJSON, err = json.Marshal(cp.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM checkpoints WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?`,
		cp.ThreadID, cp.Namespace, cp.ID).Scan(&exists)
	switch {
	case err == nil:
		return &praxis.ErrDuplicateCheckpoint{ThreadID: cp.ThreadID, Namespace: cp.Namespace, Checkpoint: cp.ID}
	case err != sql.ErrNoRows:
		return fmt.Errorf("check duplicate: %w", err)
	}

	var parent sql.NullString
	if cp.ParentID != "" {
		parent = sql.NullString{String: cp.ParentID, Valid: true}
	}
	var meta sql.NullString
	if metaJSON != nil {
		meta = sql.NullString{String: string(metaJSON), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Namespace, cp.ID, parent, string(stateJSON), meta, cp.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: put checkpoint failed", "checkpoint_id", cp.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	for _, w := range writes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoint_writes (thread_id, namespace, checkpoint_id, task_id, idx, channel, value)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ThreadID, cp.Namespace, cp.ID, w.TaskID, w.Idx, w.Channel, w.Value)
		if err != nil {
			s.logger.Error("sqlite: put write failed", "checkpoint_id", cp.ID, "task_id", w.TaskID, "error", err, "duration", time.Since(start))
			return fmt.Errorf("insert write: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	s.logger.Debug("sqlite: put checkpoint ok", "checkpoint_id", cp.ID, "duration", time.Since(start))
	return nil
}

// Latest returns the most recently inserted checkpoint for the pair.
func (s *Store) Latest(ctx context.Context, threadID, namespace string) (praxis.Checkpoint, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: latest checkpoint", "thread_id", threadID, "namespace", namespace)

	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY rowid DESC LIMIT 1`, threadID, namespace)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return praxis.Checkpoint{}, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: latest checkpoint failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return praxis.Checkpoint{}, false, err
	}
	s.logger.Debug("sqlite: latest checkpoint ok", "checkpoint_id", cp.ID, "duration", time.Since(start))
	return cp, true, nil
}

// List returns the pair's checkpoints in insertion order.
func (s *Store) List(ctx context.Context, threadID, namespace string) ([]praxis.Checkpoint, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list checkpoints", "thread_id", threadID, "namespace", namespace)

	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE thread_id = ? AND namespace = ?
		 ORDER BY rowid`, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []praxis.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	s.logger.Debug("sqlite: list checkpoints ok", "count", len(cps), "duration", time.Since(start))
	return cps, rows.Err()
}

// Writes returns the pending writes stored with one checkpoint, in the
// order they were recorded.
func (s *Store) Writes(ctx context.Context, threadID, namespace, checkpointID string) ([]praxis.PendingWrite, error) {
	start := time.Now()
	s.logger.Debug("sqlite: checkpoint writes", "thread_id", threadID, "checkpoint_id", checkpointID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, idx, channel, value FROM checkpoint_writes
		 WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
		 ORDER BY rowid`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("list writes: %w", err)
	}
	defer rows.Close()

	var ws []praxis.PendingWrite
	for rows.Next() {
		var w praxis.PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		ws = append(ws, w)
	}
	s.logger.Debug("sqlite: checkpoint writes ok", "count", len(ws), "duration", time.Since(start))
	return ws, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (praxis.Checkpoint, error) {
	var cp praxis.Checkpoint
	var parent sql.NullString
	var stateJSON string
	var metaJSON sql.NullString
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parent, &stateJSON, &metaJSON, &cp.CreatedAt); err != nil {
		return praxis.Checkpoint{}, err
	}
	if parent.Valid {
		cp.ParentID = parent.String
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return praxis.Checkpoint{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &cp.Metadata); err != nil {
			return praxis.Checkpoint{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return cp, nil
}

// --- Sessions ---

// EnsureSession inserts the session if its ID is unknown. An existing row
// is left untouched.
func (s *Store) EnsureSession(ctx context.Context, sess praxis.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: ensure session", "id", sess.ID, "user_id", sess.UserID)
	createdAt := sess.CreatedAt
	if createdAt == 0 {
		createdAt = praxis.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Name, createdAt)
	if err != nil {
		s.logger.Error("sqlite: ensure session failed", "id", sess.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("ensure session: %w", err)
	}
	s.logger.Debug("sqlite: ensure session ok", "id", sess.ID, "duration", time.Since(start))
	return nil
}

// GetSession returns a session by ID. The bool reports whether it exists.
func (s *Store) GetSession(ctx context.Context, id string) (praxis.Session, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get session", "id", id)
	var sess praxis.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return praxis.Session{}, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: get session failed", "id", id, "error", err, "duration", time.Since(start))
		return praxis.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	s.logger.Debug("sqlite: get session ok", "id", id, "duration", time.Since(start))
	return sess, true, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]praxis.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "user_id", userID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []praxis.Session
	for rows.Next() {
		var sess praxis.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(sessions), "duration", time.Since(start))
	return sessions, rows.Err()
}

// DeleteSession removes a session together with its checkpoints and their
// pending writes.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete session", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete session writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete session checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	s.logger.Debug("sqlite: delete session ok", "id", id, "duration", time.Since(start))
	return nil
}
