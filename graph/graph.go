package graph

import (
	"time"

	"github.com/BaSui01/cycleflow/types"
)

// Mapping describes how one producer output field becomes a named consumer
// input. Source is a dotted path into the producer's output ("result.items");
// an empty Source passes the whole output value through under Target.
type Mapping struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// RunContext is the read-only view of a run visible to convergence
// callbacks. The engine's execution context implements it.
type RunContext interface {
	// RunID returns the unique id of the current run.
	RunID() string
	// Param returns a run-supplied initial parameter for a node.
	Param(nodeID, field string) (any, bool)
}

// ConvergenceFunc decides whether a cycle group has converged after an
// iteration. outputs holds the current outputs of every group member.
// The returned reason is recorded in the cycle outcome.
type ConvergenceFunc func(iteration int, outputs map[string]map[string]any, run RunContext) (converged bool, reason string, err error)

// CycleControls bound the iteration of a cycle group. Meaningful only on an
// edge with IsCycle set.
type CycleControls struct {
	// MaxIterations caps the number of iterations (0 = engine default).
	MaxIterations int
	// Timeout bounds the wall-clock time of the whole group (0 = none).
	Timeout time.Duration
	// SoftTimeout downgrades a timeout from a hard failure to a recorded
	// termination status.
	SoftTimeout bool
	// ConvergenceExpr is a restricted boolean expression evaluated over the
	// terminal node's outputs after each iteration.
	ConvergenceExpr string
	// Convergence is an optional callback; when set it takes precedence
	// over ConvergenceExpr.
	Convergence ConvergenceFunc
}

// NodeSpec describes a single computation node. Built once, immutable
// during a run; run-scoped parameter overrides never mutate the spec.
type NodeSpec struct {
	ID     string
	Kind   string
	Config map[string]any
	// Timeout bounds a single invocation of this node (0 = none).
	Timeout time.Duration
}

// EdgeSpec describes a directed data dependency between two nodes.
type EdgeSpec struct {
	Source   string
	Target   string
	Mappings []Mapping
	// IsCycle marks this edge as the designated closing edge of a feedback
	// loop. Exactly one edge per loop carries the flag; the engine derives
	// full loop membership from topology.
	IsCycle bool
	// Port restricts this edge to a router output port. The edge only
	// carries data in passes where the source node fired the port.
	Port string
	// Controls bound the cycle this edge closes. Only valid with IsCycle.
	Controls *CycleControls
}

// NodeOption configures optional NodeSpec fields.
type NodeOption func(*NodeSpec)

// WithTimeout bounds a single invocation of the node.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *NodeSpec) { n.Timeout = d }
}

// Graph is a directed graph of computation nodes where some edges are
// feedback (cycle) edges. The forward skeleton (the graph with cycle edges
// stripped) must be acyclic.
type Graph struct {
	id    string
	name  string
	nodes map[string]*NodeSpec
	order []string // insertion order, keeps traversals deterministic
	edges []*EdgeSpec
}

// New creates a new empty graph.
func New(id, name string) *Graph {
	return &Graph{
		id:    id,
		name:  name,
		nodes: make(map[string]*NodeSpec),
	}
}

// ID returns the graph id.
func (g *Graph) ID() string { return g.id }

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddNode adds a node to the graph.
func (g *Graph) AddNode(id, kind string, config map[string]any, opts ...NodeOption) error {
	if id == "" {
		return types.NewError(types.ErrInvalidGraph, "node id must not be empty")
	}
	if _, exists := g.nodes[id]; exists {
		return types.Errorf(types.ErrDuplicateNode, "node %q already exists", id).WithNode(id)
	}
	node := &NodeSpec{ID: id, Kind: kind, Config: config}
	for _, opt := range opts {
		opt(node)
	}
	g.nodes[id] = node
	g.order = append(g.order, id)
	return nil
}

// AddEdge adds a directed edge. Both endpoints must already exist; cycle
// controls are rejected on non-cycle edges. Whether a cycle edge is a
// genuine back edge is checked later by Validate, which sees the whole
// topology.
func (g *Graph) AddEdge(e EdgeSpec) error {
	if _, ok := g.nodes[e.Source]; !ok {
		return types.Errorf(types.ErrUnknownNode, "edge source %q does not exist", e.Source).WithNode(e.Source)
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return types.Errorf(types.ErrUnknownNode, "edge target %q does not exist", e.Target).WithNode(e.Target)
	}
	if e.Controls != nil && !e.IsCycle {
		return types.Errorf(types.ErrInvalidCycle,
			"cycle controls supplied on non-cycle edge %s->%s", e.Source, e.Target)
	}
	edge := e
	g.edges = append(g.edges, &edge)
	return nil
}

// Node retrieves a node by id.
func (g *Graph) Node(id string) (*NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*NodeSpec {
	nodes := make([]*NodeSpec, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// NodeIDs returns all node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*EdgeSpec {
	edges := make([]*EdgeSpec, len(g.edges))
	copy(edges, g.edges)
	return edges
}

// CycleEdges returns the designated closing edges.
func (g *Graph) CycleEdges() []*EdgeSpec {
	var out []*EdgeSpec
	for _, e := range g.edges {
		if e.IsCycle {
			out = append(out, e)
		}
	}
	return out
}

// ForwardOut returns the non-cycle edges leaving a node.
func (g *Graph) ForwardOut(nodeID string) []*EdgeSpec {
	var out []*EdgeSpec
	for _, e := range g.edges {
		if !e.IsCycle && e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// ForwardIn returns the non-cycle edges entering a node.
func (g *Graph) ForwardIn(nodeID string) []*EdgeSpec {
	var out []*EdgeSpec
	for _, e := range g.edges {
		if !e.IsCycle && e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// forwardAdjacency builds source -> targets over non-cycle edges.
func (g *Graph) forwardAdjacency() map[string][]string {
	adj := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		if e.IsCycle {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// Validate checks the structural invariants:
//
//   - stripping cycle edges leaves an acyclic graph;
//   - every cycle edge is a genuine back edge of some loop;
//   - every loop has exactly one designated closing edge.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return types.NewError(types.ErrInvalidGraph, "graph has no nodes")
	}
	_, err := g.Analyze()
	return err
}
