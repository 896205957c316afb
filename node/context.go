package node

import (
	"sync"
	"time"
)

// CycleInfo describes one active cycle group within a run.
type CycleInfo struct {
	GroupID   string    `json:"group_id"`
	Iteration int       `json:"iteration"`
	StartedAt time.Time `json:"started_at"`
}

// Elapsed returns the wall-clock time since the group started iterating.
func (ci CycleInfo) Elapsed() time.Duration {
	if ci.StartedAt.IsZero() {
		return 0
	}
	return time.Since(ci.StartedAt)
}

// ExecutionContext is the per-run mutable structure passed into every
// invocation. It is an explicit value, never ambient state: tests construct
// one directly. It carries the run id, the run-supplied initial parameters,
// per-group iteration counters, and the cycle state store.
//
// The state store is exclusively owned by the scheduler; nodes only see
// accessors scoped to their own id and the active cycle group.
type ExecutionContext struct {
	runID  string
	params map[string]map[string]any

	mu     sync.RWMutex
	cycles map[string]CycleInfo
	// state is keyed group -> node -> field.
	state map[string]map[string]map[string]any
}

// NewExecutionContext creates an execution context for one run. params maps
// node id to its run-supplied initial parameters.
func NewExecutionContext(runID string, params map[string]map[string]any) *ExecutionContext {
	return &ExecutionContext{
		runID:  runID,
		params: params,
		cycles: make(map[string]CycleInfo),
		state:  make(map[string]map[string]map[string]any),
	}
}

// RunID returns the unique id of the run.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Param returns a run-supplied initial parameter for a node. Parameters
// stay visible for the whole run: on every cycle iteration, not only the
// first.
func (ec *ExecutionContext) Param(nodeID, field string) (any, bool) {
	fields, ok := ec.params[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// NodeParams returns a copy of a node's run-supplied parameters.
func (ec *ExecutionContext) NodeParams(nodeID string) map[string]any {
	fields := ec.params[nodeID]
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Cycle returns the info for an active cycle group.
func (ec *ExecutionContext) Cycle(groupID string) (CycleInfo, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	ci, ok := ec.cycles[groupID]
	return ci, ok
}

// BeginIteration records the start of a cycle iteration. Called by the
// scheduler only.
func (ec *ExecutionContext) BeginIteration(groupID string, iteration int) CycleInfo {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ci, ok := ec.cycles[groupID]
	if !ok {
		ci = CycleInfo{GroupID: groupID, StartedAt: time.Now()}
	}
	ci.Iteration = iteration
	ec.cycles[groupID] = ci
	return ci
}

// PreviousState returns a copy of the persisted state for a node within a
// group. Empty on the first iteration.
func (ec *ExecutionContext) PreviousState(groupID, nodeID string) map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	stored := ec.state[groupID][nodeID]
	out := make(map[string]any, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// MergeState merges an update into a node's persisted state. Called by the
// scheduler after each invocation.
func (ec *ExecutionContext) MergeState(groupID, nodeID string, update map[string]any) {
	if len(update) == 0 {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.state[groupID] == nil {
		ec.state[groupID] = make(map[string]map[string]any)
	}
	if ec.state[groupID][nodeID] == nil {
		ec.state[groupID][nodeID] = make(map[string]any)
	}
	for k, v := range update {
		ec.state[groupID][nodeID][k] = v
	}
}

// StateAccessor returns an accessor scoped to one node and group. Nodes
// never see state belonging to other nodes.
func (ec *ExecutionContext) StateAccessor(groupID, nodeID string) *StateAccessor {
	return &StateAccessor{ec: ec, groupID: groupID, nodeID: nodeID}
}

// DumpState returns a deep copy of the whole state store, for snapshots.
func (ec *ExecutionContext) DumpState() map[string]map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]map[string]map[string]any, len(ec.state))
	for g, nodes := range ec.state {
		out[g] = make(map[string]map[string]any, len(nodes))
		for n, fields := range nodes {
			cp := make(map[string]any, len(fields))
			for k, v := range fields {
				cp[k] = v
			}
			out[g][n] = cp
		}
	}
	return out
}

// RestoreState replaces the state store, for resuming from a snapshot.
func (ec *ExecutionContext) RestoreState(state map[string]map[string]map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.state = make(map[string]map[string]map[string]any, len(state))
	for g, nodes := range state {
		ec.state[g] = make(map[string]map[string]any, len(nodes))
		for n, fields := range nodes {
			cp := make(map[string]any, len(fields))
			for k, v := range fields {
				cp[k] = v
			}
			ec.state[g][n] = cp
		}
	}
}

// StateAccessor is a node's window into the cycle state store, scoped to
// its own id and the active cycle group. Values written through Set are
// persisted by the scheduler together with the node's returned state.
type StateAccessor struct {
	ec      *ExecutionContext
	groupID string
	nodeID  string

	mu      sync.Mutex
	pending map[string]any
}

// Previous returns the state persisted by the prior iteration. Empty on
// iteration 1.
func (sa *StateAccessor) Previous() map[string]any {
	return sa.ec.PreviousState(sa.groupID, sa.nodeID)
}

// Set stages a state value for persistence after the invocation completes.
func (sa *StateAccessor) Set(key string, value any) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.pending == nil {
		sa.pending = make(map[string]any)
	}
	sa.pending[key] = value
}

// Pending returns the values staged through Set. Consumed by the scheduler.
func (sa *StateAccessor) Pending() map[string]any {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	out := make(map[string]any, len(sa.pending))
	for k, v := range sa.pending {
		out[k] = v
	}
	return out
}
