// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

// Package types contains the shared error taxonomy used across the engine.
//
// Every failure surfaced by the engine is a *types.Error carrying a stable
// ErrorCode and the offending node id. Failures inside a cycle group also
// carry the group id and iteration index.
package types
