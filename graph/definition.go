package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is the serializable form of a graph. It captures structure and
// declarative controls only; convergence callbacks and code handlers are
// runtime values and must be re-attached after loading.
type Definition struct {
	ID    string           `json:"id" yaml:"id"`
	Name  string           `json:"name" yaml:"name"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges []EdgeDefinition `json:"edges" yaml:"edges"`
}

// NodeDefinition is the serializable form of a NodeSpec.
type NodeDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	Kind      string         `json:"kind" yaml:"kind"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// EdgeDefinition is the serializable form of an EdgeSpec, with cycle
// controls flattened the way they appear in graph files.
type EdgeDefinition struct {
	Source      string    `json:"source" yaml:"source"`
	Target      string    `json:"target" yaml:"target"`
	Mappings    []Mapping `json:"mappings,omitempty" yaml:"mappings,omitempty"`
	IsCycle     bool      `json:"is_cycle,omitempty" yaml:"is_cycle,omitempty"`
	Port        string    `json:"port,omitempty" yaml:"port,omitempty"`
	MaxIters    int       `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	TimeoutMs   int       `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	SoftTimeout bool      `json:"soft_timeout,omitempty" yaml:"soft_timeout,omitempty"`
	Convergence string    `json:"convergence_check,omitempty" yaml:"convergence_check,omitempty"`
}

// ToGraph builds and validates a Graph from the definition.
func (d *Definition) ToGraph() (*Graph, error) {
	g := New(d.ID, d.Name)
	for _, n := range d.Nodes {
		var opts []NodeOption
		if n.TimeoutMs > 0 {
			opts = append(opts, WithTimeout(time.Duration(n.TimeoutMs)*time.Millisecond))
		}
		if err := g.AddNode(n.ID, n.Kind, n.Config, opts...); err != nil {
			return nil, err
		}
	}
	for _, e := range d.Edges {
		spec := EdgeSpec{
			Source:   e.Source,
			Target:   e.Target,
			Mappings: e.Mappings,
			IsCycle:  e.IsCycle,
			Port:     e.Port,
		}
		if e.IsCycle {
			spec.Controls = &CycleControls{
				MaxIterations:   e.MaxIters,
				Timeout:         time.Duration(e.TimeoutMs) * time.Millisecond,
				SoftTimeout:     e.SoftTimeout,
				ConvergenceExpr: e.Convergence,
			}
		}
		if err := g.AddEdge(spec); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// FromGraph converts a Graph to its serializable definition.
func FromGraph(g *Graph) *Definition {
	d := &Definition{ID: g.ID(), Name: g.Name()}
	for _, n := range g.Nodes() {
		d.Nodes = append(d.Nodes, NodeDefinition{
			ID:        n.ID,
			Kind:      n.Kind,
			Config:    n.Config,
			TimeoutMs: int(n.Timeout / time.Millisecond),
		})
	}
	for _, e := range g.Edges() {
		ed := EdgeDefinition{
			Source:   e.Source,
			Target:   e.Target,
			Mappings: e.Mappings,
			IsCycle:  e.IsCycle,
			Port:     e.Port,
		}
		if e.Controls != nil {
			ed.MaxIters = e.Controls.MaxIterations
			ed.TimeoutMs = int(e.Controls.Timeout / time.Millisecond)
			ed.SoftTimeout = e.Controls.SoftTimeout
			ed.Convergence = e.Controls.ConvergenceExpr
		}
		d.Edges = append(d.Edges, ed)
	}
	return d
}

// ToJSON converts a Definition to an indented JSON string.
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal definition to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a Definition to a YAML string.
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal definition to YAML: %w", err)
	}
	return string(data), nil
}

// FromJSON parses a Definition from a JSON string.
func FromJSON(jsonStr string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition from JSON: %w", err)
	}
	return &def, nil
}

// FromYAML parses a Definition from a YAML string.
func FromYAML(yamlStr string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(yamlStr), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition from YAML: %w", err)
	}
	return &def, nil
}

// LoadFile loads a Definition from a JSON or YAML file, picking the format
// from the extension (.json vs anything else).
func LoadFile(filename string) (*Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	if isJSONFile(filename) {
		return FromJSON(string(data))
	}
	return FromYAML(string(data))
}

// SaveFile writes the Definition to a JSON or YAML file based on extension.
func (d *Definition) SaveFile(filename string) error {
	var out string
	var err error
	if isJSONFile(filename) {
		out, err = d.ToJSON()
	} else {
		out, err = d.ToYAML()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write definition file: %w", err)
	}
	return nil
}

func isJSONFile(filename string) bool {
	return len(filename) > 5 && filename[len(filename)-5:] == ".json"
}
