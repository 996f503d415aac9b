// Package postgres persists checkpoints and sessions in PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/praxis"
)

// Store implements praxis.Saver and praxis.SessionStore backed by
// PostgreSQL. Checkpoint state and metadata are stored as JSONB; pending
// write payloads keep their raw bytes in BYTEA.
type Store struct {
	pool *pgxpool.Pool
}

var _ praxis.Saver = (*Store)(nil)
var _ praxis.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		// seq provides insertion order; Postgres has no rowid.
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			state JSONB NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			UNIQUE (thread_id, namespace, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoints_pair_idx ON checkpoints(thread_id, namespace)`,

		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			seq BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			value BYTEA,
			UNIQUE (thread_id, namespace, checkpoint_id, task_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS checkpoint_writes_cp_idx ON checkpoint_writes(thread_id, namespace, checkpoint_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Checkpoints ---

// Put inserts a checkpoint and its pending writes in one transaction.
// A checkpoint ID already stored for the (thread, namespace) pair fails
// with *praxis.ErrDuplicateCheckpoint and leaves the database untouched.
func (s *Store) Put(ctx context.Context, cp praxis.Checkpoint, writes []praxis.PendingWrite) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("postgres: marshal state: %w", err)
	}
	var metaJSON *string
	if len(cp.Metadata) > 0 {
		data, err := json.Marshal(cp.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		v := string(data)
		metaJSON = &v
	}
	var parent *string
	if cp.ParentID != "" {
		parent = &cp.ParentID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		 ON CONFLICT (thread_id, namespace, checkpoint_id) DO NOTHING`,
		cp.ThreadID, cp.Namespace, cp.ID, parent, string(stateJSON), metaJSON, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &praxis.ErrDuplicateCheckpoint{ThreadID: cp.ThreadID, Namespace: cp.Namespace, Checkpoint: cp.ID}
	}

	for _, w := range writes {
		_, err := tx.Exec(ctx,
			`INSERT INTO checkpoint_writes (thread_id, namespace, checkpoint_id, task_id, idx, channel, value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cp.ThreadID, cp.Namespace, cp.ID, w.TaskID, w.Idx, w.Channel, w.Value)
		if err != nil {
			return fmt.Errorf("postgres: insert write: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit put: %w", err)
	}
	return nil
}

// Latest returns the most recently inserted checkpoint for the pair.
func (s *Store) Latest(ctx context.Context, threadID, namespace string) (praxis.Checkpoint, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY seq DESC LIMIT 1`, threadID, namespace)

	cp, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return praxis.Checkpoint{}, false, nil
	}
	if err != nil {
		return praxis.Checkpoint{}, false, fmt.Errorf("postgres: latest checkpoint: %w", err)
	}
	return cp, true, nil
}

// List returns the pair's checkpoints in insertion order.
func (s *Store) List(ctx context.Context, threadID, namespace string) ([]praxis.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at
		 FROM checkpoints WHERE thread_id = $1 AND namespace = $2
		 ORDER BY seq`, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []praxis.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Writes returns the pending writes stored with one checkpoint, in the
// order they were recorded.
func (s *Store) Writes(ctx context.Context, threadID, namespace, checkpointID string) ([]praxis.PendingWrite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, idx, channel, value FROM checkpoint_writes
		 WHERE thread_id = $1 AND namespace = $2 AND checkpoint_id = $3
		 ORDER BY seq`, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list writes: %w", err)
	}
	defer rows.Close()

	var ws []praxis.PendingWrite
	for rows.Next() {
		var w praxis.PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan write: %w", err)
		}
		ws = append(ws, w)
	}
	return ws, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (praxis.Checkpoint, error) {
	var cp praxis.Checkpoint
	var parent *string
	var stateJSON []byte
	var metaJSON []byte
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &parent, &stateJSON, &metaJSON, &cp.CreatedAt); err != nil {
		return praxis.Checkpoint{}, err
	}
	if parent != nil {
		cp.ParentID = *parent
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return praxis.Checkpoint{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &cp.Metadata); err != nil {
			return praxis.Checkpoint{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return cp, nil
}

// --- Sessions ---

// EnsureSession inserts the session if its ID is unknown. An existing row
// is left untouched.
func (s *Store) EnsureSession(ctx context.Context, sess praxis.Session) error {
	createdAt := sess.CreatedAt
	if createdAt == 0 {
		createdAt = praxis.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.UserID, sess.Name, createdAt)
	if err != nil {
		return fmt.Errorf("postgres: ensure session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID. The bool reports whether it exists.
func (s *Store) GetSession(ctx context.Context, id string) (praxis.Session, bool, error) {
	var sess praxis.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt)
	if err == pgx.ErrNoRows {
		return praxis.Session{}, false, nil
	}
	if err != nil {
		return praxis.Session{}, false, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, true, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]praxis.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []praxis.Session
	for rows.Next() {
		var sess praxis.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session together with its checkpoints and their
// pending writes.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session writes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session checkpoints: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return tx.Commit(ctx)
}
