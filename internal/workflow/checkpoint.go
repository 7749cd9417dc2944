package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
)

// Step checkpoint states.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Key identifies one workflow instance.
type Key struct {
	ItemID     int64
	SourceType string
}

// Checkpoint is the persisted completion record of one step.
type Checkpoint struct {
	Status string
	Result json.RawMessage
}

// CheckpointStore persists per-step completion records. Implementations must
// make Save visible to a subsequent Load of the same key, so a replayed
// instance can skip finished steps.
type CheckpointStore interface {
	Load(ctx context.Context, key Key) (map[string]Checkpoint, error)
	Save(ctx context.Context, key Key, stepName string, cp Checkpoint) error
}

// MemoryCheckpointStore is the process-local checkpoint map: created on first
// use, never persisted. A restart loses it, which only costs re-running steps
// that are individually idempotent against the datastore.
type MemoryCheckpointStore struct {
	mu        sync.Mutex
	instances map[Key]map[string]Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{instances: make(map[Key]map[string]Checkpoint)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, key Key) (map[string]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := make(map[string]Checkpoint, len(s.instances[key]))
	for name, cp := range s.instances[key] {
		loaded[name] = cp
	}
	return loaded, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, key Key, stepName string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.instances[key]
	if !ok {
		steps = make(map[string]Checkpoint)
		s.instances[key] = steps
	}
	steps[stepName] = cp
	return nil
}

// checkpointQuerier is the slice of *db.Pool the durable store uses.
type checkpointQuerier interface {
	UpsertCheckpoint(ctx context.Context, itemID int64, sourceType, stepName, status string, result json.RawMessage, now time.Time) error
	GetCheckpoints(ctx context.Context, itemID int64, sourceType string) (map[string]db.WorkflowCheckpoint, error)
}

// DBCheckpointStore keeps checkpoints in the datastore so instances survive
// process restarts.
type DBCheckpointStore struct {
	querier checkpointQuerier
}

func NewDBCheckpointStore(querier checkpointQuerier) *DBCheckpointStore {
	return &DBCheckpointStore{querier: querier}
}

func (s *DBCheckpointStore) Load(ctx context.Context, key Key) (map[string]Checkpoint, error) {
	rows, err := s.querier.GetCheckpoints(ctx, key.ItemID, key.SourceType)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]Checkpoint, len(rows))
	for name, row := range rows {
		loaded[name] = Checkpoint{Status: row.Status, Result: row.Result}
	}
	return loaded, nil
}

func (s *DBCheckpointStore) Save(ctx context.Context, key Key, stepName string, cp Checkpoint) error {
	return s.querier.UpsertCheckpoint(ctx, key.ItemID, key.SourceType, stepName, cp.Status, cp.Result, globaltime.Now().UTC())
}
