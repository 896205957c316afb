// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

// Package expr implements the restricted expression grammar used for
// convergence checks and router predicates.
//
// The evaluator walks a small AST built by a recursive descent parser:
// field access, comparisons, boolean logic, and basic arithmetic. There is
// deliberately no function call syntax and no code execution, so expression
// strings loaded from untrusted graph definitions are safe to evaluate.
package expr
