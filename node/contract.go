package node

import (
	"context"

	"github.com/BaSui01/cycleflow/expr"
)

// Invocation carries everything a node sees for one execution: its static
// configuration, the resolved inputs for this pass, the run-scoped
// execution context, and a state accessor scoped to the node's own id and
// the active cycle group.
type Invocation struct {
	NodeID string
	Config map[string]any
	Inputs map[string]any
	Run    *ExecutionContext
	State  *StateAccessor
}

// Input returns a resolved input field, supporting dotted paths.
func (inv *Invocation) Input(field string) (any, bool) {
	v, ok := inv.Inputs[field]
	if ok {
		return v, true
	}
	return expr.LookupOK(field, inv.Inputs)
}

// ConfigValue returns a configuration field.
func (inv *Invocation) ConfigValue(key string) (any, bool) {
	v, ok := inv.Config[key]
	return v, ok
}

// Result is the uniform output of a node invocation. A node either returns
// a full Result or an error, never partial output.
type Result struct {
	// Outputs holds the node's output fields, consumed by downstream
	// mappings.
	Outputs map[string]any
	// State holds cycle-carried values to persist for the next iteration.
	// The scheduler merges it into the node's stored state and into
	// Outputs (stored state wins over an absent output field).
	State map[string]any
	// FiredPorts restricts which labeled output edges carry data this
	// pass. Empty means every unlabeled edge fires.
	FiredPorts []string
}

// Fired reports whether the result fired the given port.
func (r *Result) Fired(port string) bool {
	for _, p := range r.FiredPorts {
		if p == port {
			return true
		}
	}
	return false
}

// Invoker is the uniform call convention every node kind honors: built-in
// kinds and domain extensions alike.
type Invoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv *Invocation) (*Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return f(ctx, inv)
}
