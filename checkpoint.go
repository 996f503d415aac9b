package praxis

import (
	"context"
	"sync"
)

// Checkpoint is a durable snapshot of a session's agent state at a cycle
// boundary. Checkpoints form a parent-pointer tree per (thread, namespace);
// the latest is the resume point.
type Checkpoint struct {
	ThreadID  string            `json:"thread_id"`
	Namespace string            `json:"namespace"`
	ID        string            `json:"checkpoint_id"`
	ParentID  string            `json:"parent_checkpoint_id,omitempty"`
	State     State             `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// PendingWrite is one channel write recorded alongside a checkpoint. A
// checkpoint is never visible before all its writes are.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Value   []byte `json:"value"`
}

// Saver persists checkpoints. Implementations must make Put atomic: readers
// observe the checkpoint row and all its writes together or not at all.
// Concurrent Puts for the same (thread, namespace) serialize on the pair.
type Saver interface {
	// Put inserts a checkpoint and its writes. Fails with
	// *ErrDuplicateCheckpoint when the checkpoint ID already exists for the
	// (thread, namespace) pair.
	Put(ctx context.Context, cp Checkpoint, writes []PendingWrite) error
	// Latest returns the most recently inserted checkpoint for the pair.
	// The bool reports whether one exists.
	Latest(ctx context.Context, threadID, namespace string) (Checkpoint, bool, error)
	// List returns the pair's checkpoints in insertion order.
	List(ctx context.Context, threadID, namespace string) ([]Checkpoint, error)
	// Writes returns the pending writes stored with one checkpoint.
	Writes(ctx context.Context, threadID, namespace, checkpointID string) ([]PendingWrite, error)
}

// MemorySaver is an in-process Saver for tests and single-run tools.
type MemorySaver struct {
	mu    sync.Mutex
	rows  map[string][]Checkpoint   // key: thread + "\x00" + namespace
	blobs map[string][]PendingWrite // key: thread + "\x00" + namespace + "\x00" + id
}

// NewMemorySaver creates an empty MemorySaver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{
		rows:  make(map[string][]Checkpoint),
		blobs: make(map[string][]PendingWrite),
	}
}

var _ Saver = (*MemorySaver)(nil)

func pairKey(threadID, namespace string) string { return threadID + "\x00" + namespace }

func (m *MemorySaver) Put(_ context.Context, cp Checkpoint, writes []PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(cp.ThreadID, cp.Namespace)
	for _, existing := range m.rows[key] {
		if existing.ID == cp.ID {
			return &ErrDuplicateCheckpoint{ThreadID: cp.ThreadID, Namespace: cp.Namespace, Checkpoint: cp.ID}
		}
	}
	snap := cp
	snap.State = cp.State.Clone()
	m.rows[key] = append(m.rows[key], snap)
	m.blobs[key+"\x00"+cp.ID] = append([]PendingWrite(nil), writes...)
	return nil
}

func (m *MemorySaver) Latest(_ context.Context, threadID, namespace string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[pairKey(threadID, namespace)]
	if len(rows) == 0 {
		return Checkpoint{}, false, nil
	}
	cp := rows[len(rows)-1]
	cp.State = cp.State.Clone()
	return cp, true, nil
}

func (m *MemorySaver) List(_ context.Context, threadID, namespace string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[pairKey(threadID, namespace)]
	out := make([]Checkpoint, len(rows))
	for i, cp := range rows {
		cp.State = cp.State.Clone()
		out[i] = cp
	}
	return out, nil
}

func (m *MemorySaver) Writes(_ context.Context, threadID, namespace, checkpointID string) ([]PendingWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.blobs[pairKey(threadID, namespace)+"\x00"+checkpointID]
	return append([]PendingWrite(nil), ws...), nil
}
