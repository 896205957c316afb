package graph

import (
	"fmt"
	"sort"

	"github.com/BaSui01/cycleflow/types"
)

// CycleGroup is the node set spanned by one closing edge, inclusive.
// Membership is derived from topology: every node on a forward path from the
// closing edge's target back to its source belongs to the group.
type CycleGroup struct {
	// ID identifies the group in results and events.
	ID string
	// Closing is the single designated closing edge.
	Closing *EdgeSpec
	// Entry is the closing edge's target, the first node of each iteration.
	Entry string
	// Terminal is the closing edge's source, the node whose outputs feed
	// the convergence check and the next iteration.
	Terminal string
	// Members lists the group nodes in intra-group topological order.
	Members []string

	memberSet map[string]bool
}

// Contains reports whether a node belongs to the group.
func (cg *CycleGroup) Contains(nodeID string) bool {
	return cg.memberSet[nodeID]
}

// Unit is one schedulable element of the condensed graph: either a single
// node or a whole cycle group collapsed into one unit.
type Unit struct {
	ID    string
	Nodes []string // topological order within the unit
	Group *CycleGroup
}

// Topology is the validated execution plan derived from a graph: cycle
// groups, the condensed unit order, and unit dependencies.
type Topology struct {
	Units  []*Unit // topological order
	Groups []*CycleGroup

	unitOf map[string]*Unit
	deps   map[string][]*Unit
}

// UnitOf returns the unit containing a node.
func (t *Topology) UnitOf(nodeID string) *Unit {
	return t.unitOf[nodeID]
}

// Deps returns the units that must complete before the given unit runs.
func (t *Topology) Deps(u *Unit) []*Unit {
	return t.deps[u.ID]
}

// GroupOf returns the cycle group containing a node, if any.
func (t *Topology) GroupOf(nodeID string) *CycleGroup {
	u := t.unitOf[nodeID]
	if u == nil {
		return nil
	}
	return u.Group
}

// Analyze validates the graph and derives its topology. It is the single
// entry point for structural validation: acyclicity of the forward skeleton,
// back-edge checks for every cycle edge, and the one-closing-edge-per-loop
// rule.
func (g *Graph) Analyze() (*Topology, error) {
	adj := g.forwardAdjacency()

	// The forward skeleton must be acyclic. A cycle here means a feedback
	// loop whose closing edge was not marked.
	if cycleNode := findCycle(g.order, adj); cycleNode != "" {
		return nil, types.Errorf(types.ErrInvalidCycle,
			"forward graph contains a cycle through node %q; mark the loop's closing edge as a cycle edge", cycleNode)
	}

	groups, err := g.deriveGroups(adj)
	if err != nil {
		return nil, err
	}

	topo, err := g.condense(adj, groups)
	if err != nil {
		return nil, err
	}
	return topo, nil
}

// deriveGroups computes one cycle group per closing edge and enforces the
// exactly-one-closing-edge invariant.
func (g *Graph) deriveGroups(adj map[string][]string) ([]*CycleGroup, error) {
	var groups []*CycleGroup

	for _, e := range g.CycleEdges() {
		members := g.loopMembers(e, adj)
		if len(members) == 0 {
			return nil, types.Errorf(types.ErrInvalidCycle,
				"edge %s->%s is marked as cycle but is not a back edge of any loop", e.Source, e.Target)
		}

		set := make(map[string]bool, len(members))
		for _, m := range members {
			set[m] = true
		}
		groups = append(groups, &CycleGroup{
			ID:        fmt.Sprintf("cycle:%s->%s", e.Source, e.Target),
			Closing:   e,
			Entry:     e.Target,
			Terminal:  e.Source,
			Members:   members,
			memberSet: set,
		})
	}

	// Two closing edges spanning overlapping node sets mean the same loop
	// was marked twice (or loops are nested, which the scheduler does not
	// support).
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			for m := range groups[i].memberSet {
				if groups[j].memberSet[m] {
					return nil, types.Errorf(types.ErrInvalidCycle,
						"cycle groups %s and %s share node %q: each loop must have exactly one closing edge",
						groups[i].ID, groups[j].ID, m)
				}
			}
		}
	}

	return groups, nil
}

// loopMembers returns the nodes on forward paths from the closing edge's
// target to its source, in intra-group topological order. Empty when the
// edge is not a back edge.
func (g *Graph) loopMembers(e *EdgeSpec, adj map[string][]string) []string {
	if e.Source == e.Target {
		// Self-loop: the group is the single node.
		return []string{e.Source}
	}

	fromEntry := reachableFrom(e.Target, adj)
	if !fromEntry[e.Source] {
		return nil
	}
	toTerminal := reachableTo(e.Source, adj, g.order)

	set := make(map[string]bool)
	for n := range fromEntry {
		if toTerminal[n] {
			set[n] = true
		}
	}

	// Intra-group topological order via Kahn restricted to members,
	// insertion order as tiebreak.
	return kahnOrder(g.order, adj, set)
}

// condense collapses each cycle group into one unit and orders units
// topologically.
func (g *Graph) condense(adj map[string][]string, groups []*CycleGroup) (*Topology, error) {
	unitOf := make(map[string]*Unit, len(g.nodes))
	var units []*Unit

	grouped := make(map[string]*CycleGroup)
	for _, cg := range groups {
		u := &Unit{ID: cg.ID, Nodes: cg.Members, Group: cg}
		units = append(units, u)
		for _, m := range cg.Members {
			unitOf[m] = u
			grouped[m] = cg
		}
	}
	for _, id := range g.order {
		if _, ok := grouped[id]; ok {
			continue
		}
		u := &Unit{ID: id, Nodes: []string{id}}
		units = append(units, u)
		unitOf[id] = u
	}

	// Unit-level dependency edges from forward edges crossing unit borders.
	depSet := make(map[string]map[string]bool)
	for _, e := range g.edges {
		if e.IsCycle {
			continue
		}
		su, tu := unitOf[e.Source], unitOf[e.Target]
		if su == tu {
			continue
		}
		if depSet[tu.ID] == nil {
			depSet[tu.ID] = make(map[string]bool)
		}
		depSet[tu.ID][su.ID] = true
	}

	byID := make(map[string]*Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	deps := make(map[string][]*Unit, len(units))
	indeg := make(map[string]int, len(units))
	dependents := make(map[string][]*Unit)
	for _, u := range units {
		for depID := range depSet[u.ID] {
			deps[u.ID] = append(deps[u.ID], byID[depID])
			indeg[u.ID]++
			dependents[depID] = append(dependents[depID], u)
		}
		sort.Slice(deps[u.ID], func(i, j int) bool { return deps[u.ID][i].ID < deps[u.ID][j].ID })
	}

	// Kahn over units, first-node insertion index as tiebreak.
	rank := make(map[string]int, len(units))
	for i, id := range g.order {
		if u := unitOf[id]; u != nil {
			if _, ok := rank[u.ID]; !ok {
				rank[u.ID] = i
			}
		}
	}

	var ready []*Unit
	for _, u := range units {
		if indeg[u.ID] == 0 {
			ready = append(ready, u)
		}
	}
	sortUnits(ready, rank)

	var ordered []*Unit
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		ordered = append(ordered, u)
		var freed []*Unit
		for _, d := range dependents[u.ID] {
			indeg[d.ID]--
			if indeg[d.ID] == 0 {
				freed = append(freed, d)
			}
		}
		sortUnits(freed, rank)
		ready = append(ready, freed...)
	}

	if len(ordered) != len(units) {
		// Unreachable after the skeleton acyclicity check; kept as a guard
		// against future changes to group condensation.
		return nil, types.NewError(types.ErrInvalidGraph, "condensed graph is not acyclic")
	}

	return &Topology{
		Units:  ordered,
		Groups: groups,
		unitOf: unitOf,
		deps:   deps,
	}, nil
}

func sortUnits(us []*Unit, rank map[string]int) {
	sort.Slice(us, func(i, j int) bool { return rank[us[i].ID] < rank[us[j].ID] })
}

// findCycle runs DFS over the forward adjacency and returns a node on a
// cycle, or "" when acyclic.
func findCycle(order []string, adj map[string][]string) string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(string) string
	visit = func(n string) string {
		visited[n] = true
		onStack[n] = true
		for _, next := range adj[n] {
			if !visited[next] {
				if hit := visit(next); hit != "" {
					return hit
				}
			} else if onStack[next] {
				return next
			}
		}
		onStack[n] = false
		return ""
	}

	for _, n := range order {
		if !visited[n] {
			if hit := visit(n); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// reachableFrom returns every node reachable from start over forward edges,
// including start itself.
func reachableFrom(start string, adj map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// reachableTo returns every node from which target is reachable over forward
// edges, including target itself.
func reachableTo(target string, adj map[string][]string, order []string) map[string]bool {
	rev := make(map[string][]string)
	for _, n := range order {
		for _, next := range adj[n] {
			rev[next] = append(rev[next], n)
		}
	}
	return reachableFrom(target, rev)
}

// kahnOrder topologically orders the nodes in set using forward edges
// restricted to set, breaking ties by insertion order.
func kahnOrder(order []string, adj map[string][]string, set map[string]bool) []string {
	indeg := make(map[string]int)
	for n := range set {
		indeg[n] = 0
	}
	for n := range set {
		for _, next := range adj[n] {
			if set[next] {
				indeg[next]++
			}
		}
	}

	rank := make(map[string]int, len(order))
	for i, n := range order {
		rank[n] = i
	}

	var ready []string
	for n := range set {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return rank[ready[i]] < rank[ready[j]] })

	var out []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		var freed []string
		for _, next := range adj[n] {
			if set[next] {
				indeg[next]--
				if indeg[next] == 0 {
					freed = append(freed, next)
				}
			}
		}
		sort.Slice(freed, func(i, j int) bool { return rank[freed[i]] < rank[freed[j]] })
		ready = append(ready, freed...)
	}
	return out
}
