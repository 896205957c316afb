// Package cycleflow provides a top-level convenience entry point for running
// cyclic workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/cycleflow"
//
//	g := cycleflow.NewGraph("loop", "my loop")
//	// ... add nodes and edges ...
//	res, err := cycleflow.Run(ctx, g, nil)
//
// This is a thin wrapper around [engine.New] with the builtin node registry;
// construct an [engine.Executor] directly when you need custom node kinds,
// snapshot stores, or metrics.
package cycleflow

import (
	"context"

	"github.com/BaSui01/cycleflow/engine"
	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/node"
)

// Option configures the executor created by [Run].
type Option = engine.Option

// NewGraph creates an empty workflow graph.
func NewGraph(id, name string) *graph.Graph {
	return graph.New(id, name)
}

// LoadGraph reads a graph definition from a YAML or JSON file and builds
// the validated graph.
func LoadGraph(path string) (*graph.Graph, error) {
	def, err := graph.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return def.ToGraph()
}

// Run executes a graph with the builtin node kinds and returns the result.
// Params are per-node initial parameters, visible on every cycle iteration.
func Run(ctx context.Context, g *graph.Graph, params map[string]map[string]any, opts ...Option) (*engine.RunResult, error) {
	return engine.New(node.Builtin(), opts...).Execute(ctx, g, params)
}

// Re-export executor options so simple callers never need to import engine/.

// WithLogger sets a custom zap logger.
var WithLogger = engine.WithLogger

// WithMaxConcurrency bounds how many independent branches run in parallel.
var WithMaxConcurrency = engine.WithMaxConcurrency

// WithMaxIterations sets the default iteration cap for cycle groups.
var WithMaxIterations = engine.WithMaxIterations

// WithSnapshotStore enables run snapshots for resume.
var WithSnapshotStore = engine.WithSnapshotStore

// WithMetrics attaches a Prometheus metrics collector.
var WithMetrics = engine.WithMetrics

// WithEventSink streams execution events to the given sink.
var WithEventSink = engine.WithEventSink
