package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Evaluate unit tests
// =============================================================================

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		vars     map[string]any
		expected bool
		wantErr  bool
	}{
		// --- Comparison operators ---
		{
			name:     "greater than true",
			expr:     `score > 0.8`,
			vars:     map[string]any{"score": 0.9},
			expected: true,
		},
		{
			name:     "greater than false",
			expr:     `score > 0.8`,
			vars:     map[string]any{"score": 0.5},
			expected: false,
		},
		{
			name:     "equal string",
			expr:     `status == "converged"`,
			vars:     map[string]any{"status": "converged"},
			expected: true,
		},
		{
			name:     "not equal",
			expr:     `count != 0`,
			vars:     map[string]any{"count": 5},
			expected: true,
		},
		{
			name:     "bool equality with python-style literal",
			expr:     `done == True`,
			vars:     map[string]any{"done": true},
			expected: true,
		},
		{
			name:     "bool equality false",
			expr:     `done == true`,
			vars:     map[string]any{"done": false},
			expected: false,
		},

		// --- Logical operators ---
		{
			name:     "and both true",
			expr:     `score > 0.8 && status == "ready"`,
			vars:     map[string]any{"score": 0.9, "status": "ready"},
			expected: true,
		},
		{
			name:     "or one true",
			expr:     `score > 0.8 || retries >= 3`,
			vars:     map[string]any{"score": 0.1, "retries": 3},
			expected: true,
		},
		{
			name:     "not",
			expr:     `!done`,
			vars:     map[string]any{"done": false},
			expected: true,
		},
		{
			name:     "parentheses",
			expr:     `(a > 1 || b > 1) && c == "x"`,
			vars:     map[string]any{"a": 0, "b": 2, "c": "x"},
			expected: true,
		},

		// --- Arithmetic ---
		{
			name:     "addition in comparison",
			expr:     `count + 1 >= 5`,
			vars:     map[string]any{"count": 4},
			expected: true,
		},
		{
			name:     "multiplication precedence",
			expr:     `a + b * 2 == 7`,
			vars:     map[string]any{"a": 1, "b": 3},
			expected: true,
		},
		{
			name:     "subtraction",
			expr:     `budget - spent > 0`,
			vars:     map[string]any{"budget": 10, "spent": 9.5},
			expected: true,
		},
		{
			name:    "division by zero",
			expr:    `a / 0 > 1`,
			vars:    map[string]any{"a": 1},
			wantErr: true,
		},
		{
			name:    "arithmetic on string",
			expr:    `name + 1 > 0`,
			vars:    map[string]any{"name": "abc"},
			wantErr: true,
		},

		// --- Field access ---
		{
			name:     "nested field",
			expr:     `result.score >= 0.5`,
			vars:     map[string]any{"result": map[string]any{"score": 0.75}},
			expected: true,
		},
		{
			name:     "missing field is nil",
			expr:     `result.missing == 1`,
			vars:     map[string]any{"result": map[string]any{}},
			expected: false,
		},
		{
			name:     "negative literal",
			expr:     `delta > -0.5`,
			vars:     map[string]any{"delta": -0.1},
			expected: true,
		},

		// --- Errors and edges ---
		{
			name:     "empty expression",
			expr:     "",
			vars:     nil,
			expected: false,
		},
		{
			name:    "unterminated string",
			expr:    `status == "open`,
			vars:    nil,
			wantErr: true,
		},
		{
			name:    "dangling operator",
			expr:    `count >`,
			vars:    map[string]any{"count": 1},
			wantErr: true,
		},
		{
			name:    "unbalanced parenthesis",
			expr:    `(count > 1`,
			vars:    map[string]any{"count": 2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.vars)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()
	vars := map[string]any{"result": map[string]any{"score": 0.9, "done": true}}
	for i := 0; i < 10; i++ {
		got, err := Evaluate(`result.done && result.score > 0.5`, vars)
		require.NoError(t, err)
		assert.True(t, got)
	}
}

// =============================================================================
// Value helpers
// =============================================================================

func TestCompare(t *testing.T) {
	t.Parallel()
	assert.True(t, Compare(5, "==", 5.0))
	assert.True(t, Compare("10", ">", 9))
	assert.True(t, Compare(nil, "<", 1))
	assert.True(t, Compare(nil, "==", nil))
	assert.True(t, Compare("b", ">", "a"))
	assert.False(t, Compare(nil, "==", "x"))
	assert.True(t, Compare(1, "!=", nil))
}

func TestIn(t *testing.T) {
	t.Parallel()
	assert.True(t, In("medium", []string{"low", "medium", "high"}))
	assert.True(t, In(2, []any{1, 2, 3}))
	assert.True(t, In(2.0, []int{1, 2, 3}))
	assert.False(t, In("none", []string{"low"}))
	assert.False(t, In("x", nil))
	assert.False(t, In("x", "not-a-slice"))
}

func TestLookupOK(t *testing.T) {
	t.Parallel()
	vars := map[string]any{"a": map[string]any{"b": nil}}
	v, ok := LookupOK("a.b", vars)
	assert.True(t, ok)
	assert.Nil(t, v)
	_, ok = LookupOK("a.c", vars)
	assert.False(t, ok)
}
