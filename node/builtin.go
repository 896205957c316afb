package node

import (
	"context"

	"github.com/BaSui01/cycleflow/types"
)

// Built-in node kind names.
const (
	KindSource      = "source"
	KindSink        = "sink"
	KindPassthrough = "passthrough"
	KindCode        = "code"
	KindRouter      = "router"
	KindMerge       = "merge"
)

// CodeFunc is the handler signature for code nodes. The handler receives
// the full invocation so it can read config, inputs, and cycle state.
type CodeFunc func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Builtin returns a registry with the built-in node kinds registered.
func Builtin() *Registry {
	r := NewRegistry()
	// Registration of built-ins cannot collide in a fresh registry.
	_ = r.Register(KindSource, KindSpec{Invoker: InvokerFunc(sourceInvoke)})
	_ = r.Register(KindSink, KindSpec{Invoker: InvokerFunc(passthroughInvoke)})
	_ = r.Register(KindPassthrough, KindSpec{Invoker: InvokerFunc(passthroughInvoke)})
	_ = r.Register(KindCode, KindSpec{Invoker: InvokerFunc(codeInvoke)})
	_ = r.Register(KindRouter, KindSpec{Invoker: InvokerFunc(routerInvoke)})
	_ = r.Register(KindMerge, KindSpec{Invoker: InvokerFunc(mergeInvoke)})
	return r
}

// sourceInvoke emits the node's configured values overlaid with its
// resolved inputs (run parameters included).
func sourceInvoke(_ context.Context, inv *Invocation) (*Result, error) {
	outputs := make(map[string]any)
	if values, ok := inv.Config["values"].(map[string]any); ok {
		for k, v := range values {
			outputs[k] = v
		}
	}
	for k, v := range inv.Inputs {
		outputs[k] = v
	}
	return &Result{Outputs: outputs}, nil
}

// passthroughInvoke forwards inputs unchanged.
func passthroughInvoke(_ context.Context, inv *Invocation) (*Result, error) {
	outputs := make(map[string]any, len(inv.Inputs))
	for k, v := range inv.Inputs {
		outputs[k] = v
	}
	return &Result{Outputs: outputs}, nil
}

// codeInvoke executes an injected Go handler from the node config.
func codeInvoke(ctx context.Context, inv *Invocation) (*Result, error) {
	handler, ok := inv.Config["handler"].(CodeFunc)
	if !ok {
		if fn, fok := inv.Config["handler"].(func(ctx context.Context, inv *Invocation) (map[string]any, error)); fok {
			handler, ok = CodeFunc(fn), true
		}
	}
	if !ok || handler == nil {
		return nil, types.Errorf(types.ErrNodeExecution,
			"code node %q has no handler configured", inv.NodeID).WithNode(inv.NodeID)
	}
	outputs, err := handler(ctx, inv)
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: outputs}, nil
}

// mergeInvoke forwards the merged inputs of all inbound edges. The
// scheduler already merges fired inbound edges field-wise with
// last-write-wins semantics; the kind exists to make fan-in explicit.
func mergeInvoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return passthroughInvoke(ctx, inv)
}
