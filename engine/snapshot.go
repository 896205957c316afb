package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cycleflow/types"
)

// Snapshot is the serializable state of a run: published node outputs,
// fired ports, cycle progress, and the cycle state store. A snapshot taken
// mid-cycle carries the group's state and iteration counter; resuming such
// a run continues the group from the following iteration.
type Snapshot struct {
	RunID   string                               `json:"run_id"`
	GraphID string                               `json:"graph_id"`
	TakenAt time.Time                            `json:"taken_at"`
	Outputs map[string]map[string]any            `json:"outputs"`
	Fired   map[string][]string                  `json:"fired,omitempty"`
	Cycles  map[string]*CycleOutcome             `json:"cycles,omitempty"`
	State   map[string]map[string]map[string]any `json:"state,omitempty"`
}

// SnapshotStore persists run snapshots keyed by run id.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, runID string) (*Snapshot, error)
	Delete(ctx context.Context, runID string) error
	// Backend names the storage backend for logs and metrics.
	Backend() string
}

// ErrSnapshotNotFound code helper.
func snapshotNotFound(runID string) error {
	return types.Errorf(types.ErrInvalidParameter, "no snapshot for run %q", runID)
}

// MemorySnapshotStore keeps snapshots in process memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

// Backend implements SnapshotStore.
func (s *MemorySnapshotStore) Backend() string { return "memory" }

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	// Round-trip through JSON so the stored copy shares nothing with live
	// run state.
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	var cp Snapshot
	if err := json.Unmarshal(data, &cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.RunID] = &cp
	return nil
}

// Load implements SnapshotStore.
func (s *MemorySnapshotStore) Load(_ context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[runID]
	if !ok {
		return nil, snapshotNotFound(runID)
	}
	return snap, nil
}

// Delete implements SnapshotStore.
func (s *MemorySnapshotStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, runID)
	return nil
}

const redisSnapshotPrefix = "cycleflow:snapshot:"

// RedisSnapshotStore persists snapshots as JSON values in Redis.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a Redis-backed store. ttl of zero keeps
// snapshots until deleted.
func NewRedisSnapshotStore(client redis.UniversalClient, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

// Backend implements SnapshotStore.
func (s *RedisSnapshotStore) Backend() string { return "redis" }

// Save implements SnapshotStore.
func (s *RedisSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisSnapshotPrefix+snap.RunID, data, s.ttl).Err()
}

// Load implements SnapshotStore.
func (s *RedisSnapshotStore) Load(ctx context.Context, runID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, redisSnapshotPrefix+runID).Bytes()
	if err == redis.Nil {
		return nil, snapshotNotFound(runID)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Delete implements SnapshotStore.
func (s *RedisSnapshotStore) Delete(ctx context.Context, runID string) error {
	return s.client.Del(ctx, redisSnapshotPrefix+runID).Err()
}

// captureSnapshot copies the current run state into a snapshot.
func captureSnapshot(st *runState) *Snapshot {
	st.mu.Lock()
	snap := &Snapshot{
		RunID:   st.ec.RunID(),
		GraphID: st.graph.ID(),
		TakenAt: time.Now(),
		Outputs: make(map[string]map[string]any, len(st.result.Outputs)),
		Fired:   make(map[string][]string, len(st.fired)),
		Cycles:  make(map[string]*CycleOutcome, len(st.result.Cycles)),
	}
	for nodeID, out := range st.result.Outputs {
		cp := make(map[string]any, len(out))
		for k, v := range out {
			cp[k] = v
		}
		snap.Outputs[nodeID] = cp
	}
	for nodeID, ports := range st.fired {
		snap.Fired[nodeID] = append([]string(nil), ports...)
	}
	for groupID, oc := range st.result.Cycles {
		cp := *oc
		snap.Cycles[groupID] = &cp
	}
	st.mu.Unlock()

	snap.State = st.ec.DumpState()
	return snap
}

// saveSnapshot persists the current run state when a store is configured.
// Snapshot failures are logged, never fatal to the run.
func (e *Executor) saveSnapshot(ctx context.Context, st *runState) {
	if e.snapshots == nil {
		return
	}
	snap := captureSnapshot(st)
	start := time.Now()
	err := e.snapshots.Save(ctx, snap)
	status := "ok"
	if err != nil {
		status = "error"
		e.logger.Warn("snapshot save failed", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.RecordSnapshotOp(e.snapshots.Backend(), "save", status, time.Since(start))
	}
}

// restore seeds a run from a snapshot: outputs and fired ports of finished
// nodes, cycle progress, and the cycle state store.
func (e *Executor) restore(st *runState, snap *Snapshot) {
	st.ec.RestoreState(snap.State)
	st.mu.Lock()
	defer st.mu.Unlock()
	for nodeID, out := range snap.Outputs {
		if _, known := st.result.Nodes[nodeID]; !known {
			continue
		}
		st.result.Outputs[nodeID] = out
		st.result.Nodes[nodeID].Status = StatusCompleted
	}
	for nodeID, ports := range snap.Fired {
		st.fired[nodeID] = ports
	}
	for groupID, oc := range snap.Cycles {
		cp := *oc
		st.result.Cycles[groupID] = &cp
		st.resumedIterations[groupID] = oc.Iterations
	}
}
