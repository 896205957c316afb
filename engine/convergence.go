package engine

import (
	"github.com/BaSui01/cycleflow/expr"
	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/types"
)

// evaluateConvergence decides whether a cycle group stops iterating. A
// configured callback wins over an expression; with neither, the group
// iterates until exhaustion.
//
// Expressions see only the terminal node's outputs for the just-finished
// iteration: field access, comparisons, and boolean operators, no code
// execution.
func evaluateConvergence(
	controls *graph.CycleControls,
	group *graph.CycleGroup,
	iteration int,
	outputs map[string]map[string]any,
	run graph.RunContext,
) (bool, string, error) {
	if controls == nil {
		return false, "", nil
	}

	if controls.Convergence != nil {
		converged, reason, err := controls.Convergence(iteration, outputs, run)
		if err != nil {
			return false, "", types.Errorf(types.ErrConvergenceEvaluation,
				"convergence callback failed on iteration %d: %v", iteration, err).
				WithCycle(group.ID, iteration).WithCause(err)
		}
		return converged, reason, nil
	}

	if controls.ConvergenceExpr == "" {
		return false, "", nil
	}

	vars := outputs[group.Terminal]
	converged, err := expr.Evaluate(controls.ConvergenceExpr, vars)
	if err != nil {
		return false, "", types.Errorf(types.ErrConvergenceEvaluation,
			"convergence expression %q failed on iteration %d: %v",
			controls.ConvergenceExpr, iteration, err).
			WithCycle(group.ID, iteration).WithCause(err)
	}
	if converged {
		return true, "expression " + controls.ConvergenceExpr + " held", nil
	}
	return false, "", nil
}
