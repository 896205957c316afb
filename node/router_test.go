package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cycleflow/types"
)

func routeOnce(t *testing.T, config, inputs map[string]any) (*Result, error) {
	t.Helper()
	return routerInvoke(context.Background(), &Invocation{
		NodeID: "route",
		Config: config,
		Inputs: inputs,
	})
}

func TestRouterSinglePredicate(t *testing.T) {
	t.Parallel()

	config := map[string]any{
		"condition_field": "score",
		"operator":        ">=",
		"value":           0.8,
	}

	res, err := routeOnce(t, config, map[string]any{"score": 0.95})
	require.NoError(t, err)
	assert.Equal(t, []string{PortTrue}, res.FiredPorts)
	assert.True(t, res.Fired(PortTrue))
	assert.False(t, res.Fired(PortFalse))

	res, err = routeOnce(t, config, map[string]any{"score": 0.2})
	require.NoError(t, err)
	assert.Equal(t, []string{PortFalse}, res.FiredPorts)
}

func TestRouterDefaultsToEquality(t *testing.T) {
	t.Parallel()

	res, err := routeOnce(t,
		map[string]any{"condition_field": "kind", "value": "retry"},
		map[string]any{"kind": "retry"})
	require.NoError(t, err)
	assert.True(t, res.Fired(PortTrue))
}

func TestRouterCasesFirstMatchWins(t *testing.T) {
	t.Parallel()

	config := map[string]any{
		"condition_field": "priority",
		"cases": []any{
			NewCaseConfig("high", "", ">=", 8),
			NewCaseConfig("medium", "", ">=", 4),
			NewCaseConfig("low", "", ">=", 0),
		},
	}

	tests := []struct {
		name     string
		priority any
		want     string
	}{
		{"matches first", 9, CasePort("high")},
		{"boundary picks earlier case", 8, CasePort("high")},
		{"falls through to second", 5, CasePort("medium")},
		{"falls through to third", 1, CasePort("low")},
		{"no match fires default", -3, PortDefault},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := routeOnce(t, config, map[string]any{"priority": tt.priority})
			require.NoError(t, err)
			require.Len(t, res.FiredPorts, 1, "exactly one port fires per pass")
			assert.Equal(t, tt.want, res.FiredPorts[0])
		})
	}
}

func TestRouterCasesPerCaseField(t *testing.T) {
	t.Parallel()

	config := map[string]any{
		"cases": []any{
			NewCaseConfig("urgent", "flags.escalated", "==", true),
			NewCaseConfig("bulk", "count", ">", 100),
		},
	}
	inputs := map[string]any{
		"flags": map[string]any{"escalated": false},
		"count": 250,
	}

	res, err := routeOnce(t, config, inputs)
	require.NoError(t, err)
	assert.Equal(t, []string{CasePort("bulk")}, res.FiredPorts)
}

func TestRouterInOperator(t *testing.T) {
	t.Parallel()

	res, err := routeOnce(t,
		map[string]any{
			"condition_field": "region",
			"operator":        "in",
			"value":           []any{"eu", "us"},
		},
		map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.True(t, res.Fired(PortTrue))
}

func TestRouterPassesInputsThrough(t *testing.T) {
	t.Parallel()

	inputs := map[string]any{"score": 0.5, "label": "a"}
	res, err := routeOnce(t,
		map[string]any{"condition_field": "score", "operator": "<", "value": 1},
		inputs)
	require.NoError(t, err)
	assert.Equal(t, inputs, res.Outputs)
}

func TestRouterConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config map[string]any
	}{
		{"no predicate at all", map[string]any{}},
		{"unsupported operator", map[string]any{
			"condition_field": "x", "operator": "~=", "value": 1,
		}},
		{"cases not a list", map[string]any{"cases": "oops"}},
		{"case without label", map[string]any{
			"cases": []any{map[string]any{"field": "x", "operator": "==", "value": 1}},
		}},
		{"case entry not an object", map[string]any{
			"cases": []any{"oops"},
		}},
		{"case without field anywhere", map[string]any{
			"cases": []any{NewCaseConfig("a", "", "==", 1)},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := routeOnce(t, tt.config, map[string]any{"x": 1})
			require.Error(t, err)
			assert.Equal(t, types.ErrNodeExecution, types.CodeOf(err))
		})
	}
}
