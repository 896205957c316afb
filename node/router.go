package node

import (
	"context"

	"github.com/BaSui01/cycleflow/expr"
	"github.com/BaSui01/cycleflow/types"
)

// Router output port names.
const (
	PortTrue    = "true_output"
	PortFalse   = "false_output"
	PortDefault = "default"
)

// CasePort returns the port name for a labeled case.
func CasePort(label string) string { return "case_" + label }

// Comparison operators accepted by router predicates.
var routerOperators = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true, "in": true,
}

// routerInvoke decides which output ports fire for this pass.
//
// Two configurations are supported:
//
//   - single predicate: condition_field + operator + value, firing
//     true_output or false_output;
//   - ordered cases: a list of labeled predicates with first-match-wins
//     semantics, firing case_<label>, or default when none match.
//
// Exactly one port fires per pass. Non-firing ports propagate no data;
// downstream nodes reachable only through them are skipped by the
// scheduler, never invoked with empty input.
func routerInvoke(_ context.Context, inv *Invocation) (*Result, error) {
	outputs := make(map[string]any, len(inv.Inputs))
	for k, v := range inv.Inputs {
		outputs[k] = v
	}

	defaultField, _ := inv.Config["condition_field"].(string)

	if rawCases, ok := inv.Config["cases"]; ok {
		port, err := matchCases(inv.NodeID, rawCases, defaultField, inv.Inputs)
		if err != nil {
			return nil, err
		}
		return &Result{Outputs: outputs, FiredPorts: []string{port}}, nil
	}

	if defaultField == "" {
		return nil, types.Errorf(types.ErrNodeExecution,
			"router %q requires condition_field or cases", inv.NodeID).WithNode(inv.NodeID)
	}
	operator, _ := inv.Config["operator"].(string)
	matched, err := evalPredicate(inv.NodeID, defaultField, operator, inv.Config["value"], inv.Inputs)
	if err != nil {
		return nil, err
	}
	port := PortFalse
	if matched {
		port = PortTrue
	}
	return &Result{Outputs: outputs, FiredPorts: []string{port}}, nil
}

// matchCases evaluates an ordered case list, first match wins.
func matchCases(nodeID string, rawCases any, defaultField string, inputs map[string]any) (string, error) {
	cases, err := normalizeCases(nodeID, rawCases)
	if err != nil {
		return "", err
	}
	for _, c := range cases {
		field := c.field
		if field == "" {
			field = defaultField
		}
		matched, err := evalPredicate(nodeID, field, c.operator, c.value, inputs)
		if err != nil {
			return "", err
		}
		if matched {
			return CasePort(c.label), nil
		}
	}
	return PortDefault, nil
}

type routerCase struct {
	label    string
	field    string
	operator string
	value    any
}

func normalizeCases(nodeID string, raw any) ([]routerCase, error) {
	items, ok := raw.([]any)
	if !ok {
		if typed, tok := raw.([]map[string]any); tok {
			items = make([]any, len(typed))
			for i, m := range typed {
				items[i] = m
			}
		} else {
			return nil, types.Errorf(types.ErrNodeExecution,
				"router %q: cases must be a list, got %T", nodeID, raw).WithNode(nodeID)
		}
	}

	out := make([]routerCase, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.ErrNodeExecution,
				"router %q: case %d must be an object, got %T", nodeID, i, item).WithNode(nodeID)
		}
		c := routerCase{}
		c.label, _ = m["label"].(string)
		if c.label == "" {
			return nil, types.Errorf(types.ErrNodeExecution,
				"router %q: case %d has no label", nodeID, i).WithNode(nodeID)
		}
		c.field, _ = m["field"].(string)
		c.operator, _ = m["operator"].(string)
		c.value = m["value"]
		out = append(out, c)
	}
	return out, nil
}

// evalPredicate compares the input field against a value.
func evalPredicate(nodeID, field, operator string, value any, inputs map[string]any) (bool, error) {
	if field == "" {
		return false, types.Errorf(types.ErrNodeExecution,
			"router %q: predicate has no field", nodeID).WithNode(nodeID)
	}
	if operator == "" {
		operator = "=="
	}
	if !routerOperators[operator] {
		return false, types.Errorf(types.ErrNodeExecution,
			"router %q: unsupported operator %q", nodeID, operator).WithNode(nodeID)
	}

	left := expr.Lookup(field, inputs)
	if operator == "in" {
		return expr.In(left, value), nil
	}
	return expr.Compare(left, operator, value), nil
}

// NewCaseConfig is a convenience for building a router case entry.
func NewCaseConfig(label, field, operator string, value any) map[string]any {
	return map[string]any{
		"label":    label,
		"field":    field,
		"operator": operator,
		"value":    value,
	}
}
