package graph

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() *Definition {
	return &Definition{
		ID:   "refine",
		Name: "iterative refinement",
		Nodes: []NodeDefinition{
			{ID: "seed", Kind: "source"},
			{ID: "refine", Kind: "code", Config: map[string]any{"step": 1}, TimeoutMs: 500},
			{ID: "collect", Kind: "sink"},
		},
		Edges: []EdgeDefinition{
			{Source: "seed", Target: "refine"},
			{Source: "refine", Target: "collect"},
			{
				Source:      "refine",
				Target:      "refine",
				IsCycle:     true,
				MaxIters:    10,
				TimeoutMs:   60000,
				Convergence: "score >= 0.9",
			},
		},
	}
}

func TestDefinition_ToGraph(t *testing.T) {
	t.Parallel()
	g, err := sampleDefinition().ToGraph()
	require.NoError(t, err)

	n, ok := g.Node("refine")
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, n.Timeout)

	cycles := g.CycleEdges()
	require.Len(t, cycles, 1)
	require.NotNil(t, cycles[0].Controls)
	assert.Equal(t, 10, cycles[0].Controls.MaxIterations)
	assert.Equal(t, time.Minute, cycles[0].Controls.Timeout)
	assert.Equal(t, "score >= 0.9", cycles[0].Controls.ConvergenceExpr)
}

func TestDefinition_ToGraph_InvalidRejected(t *testing.T) {
	t.Parallel()
	def := sampleDefinition()
	// Break the cycle edge: point it at a node it cannot loop back from.
	def.Edges[2].Source = "seed"
	def.Edges[2].Target = "collect"
	_, err := def.ToGraph()
	assert.Error(t, err)
}

func TestDefinition_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	def := sampleDefinition()

	s, err := def.ToJSON()
	require.NoError(t, err)
	back, err := FromJSON(s)
	require.NoError(t, err)

	assert.Equal(t, def.ID, back.ID)
	assert.Equal(t, len(def.Nodes), len(back.Nodes))
	assert.Equal(t, len(def.Edges), len(back.Edges))
	assert.True(t, back.Edges[2].IsCycle)
	assert.Equal(t, "score >= 0.9", back.Edges[2].Convergence)
}

func TestDefinition_YAMLRoundTrip(t *testing.T) {
	t.Parallel()
	def := sampleDefinition()

	s, err := def.ToYAML()
	require.NoError(t, err)
	back, err := FromYAML(s)
	require.NoError(t, err)

	assert.Equal(t, def.Name, back.Name)
	assert.Equal(t, 10, back.Edges[2].MaxIters)
}

func TestDefinition_FromGraphRoundTrip(t *testing.T) {
	t.Parallel()
	g, err := sampleDefinition().ToGraph()
	require.NoError(t, err)

	back, err := FromGraph(g).ToGraph()
	require.NoError(t, err)
	assert.Equal(t, g.NodeIDs(), back.NodeIDs())
	assert.Len(t, back.CycleEdges(), 1)
}

func TestDefinition_FileRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	for _, name := range []string{"def.json", "def.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, sampleDefinition().SaveFile(path))
		loaded, err := LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, "refine", loaded.ID, name)
	}

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
