package engine

import (
	"time"
)

// Status is the lifecycle state of a run or of a single node within it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped marks nodes that were never invoked: every inbound
	// edge was withheld by routing or an upstream failure.
	StatusSkipped Status = "skipped"
)

// CycleStatus is the terminal state of one cycle group.
type CycleStatus string

const (
	// CycleConverged means the convergence condition held. It wins over
	// exhaustion when both happen on the same iteration.
	CycleConverged CycleStatus = "converged"
	// CycleExhausted means the iteration cap was reached without
	// convergence. Not an error: the last outputs flow downstream.
	CycleExhausted CycleStatus = "exhausted"
	// CycleTimedOut means the group's wall-clock budget ran out.
	CycleTimedOut CycleStatus = "timed_out"
	CycleFailed   CycleStatus = "failed"
)

// NodeState is the per-node outcome of a run.
type NodeState struct {
	Status Status `json:"status"`
	// Iterations counts how many times the node was invoked. 1 for nodes
	// outside cycle groups.
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// CycleOutcome is the terminal record of one cycle group.
type CycleOutcome struct {
	Status CycleStatus `json:"status"`
	// Iterations is the number of fully executed iterations.
	Iterations int `json:"iterations"`
	// Reason explains why iteration stopped, e.g. the convergence reason.
	Reason  string        `json:"reason,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// RunResult is the complete outcome of one workflow run.
type RunResult struct {
	RunID   string `json:"run_id"`
	GraphID string `json:"graph_id"`
	Status  Status `json:"status"`
	// Outputs holds the final outputs of every completed node. For cycle
	// members these are the outputs of the last executed iteration.
	Outputs   map[string]map[string]any `json:"outputs"`
	Nodes     map[string]*NodeState     `json:"nodes"`
	Cycles    map[string]*CycleOutcome  `json:"cycles,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
	Err       error                     `json:"-"`
}

// Failed reports whether the run ended in failure.
func (r *RunResult) Failed() bool { return r.Status == StatusFailed }

// NodeOutput returns one output field of a completed node.
func (r *RunResult) NodeOutput(nodeID, field string) (any, bool) {
	out, ok := r.Outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := out[field]
	return v, ok
}
