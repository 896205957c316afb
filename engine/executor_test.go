package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/node"
	"github.com/BaSui01/cycleflow/types"
)

// =============================================================================
// 🧰 测试辅助
// =============================================================================

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func newTestExecutor(opts ...Option) *Executor {
	base := []Option{WithLogger(zap.NewNop())}
	return New(node.Builtin(), append(base, opts...)...)
}

// counterGraph builds source -> counter with a self-loop on counter. The
// counter increments count each iteration and reports done when count
// reaches limit.
func counterGraph(t *testing.T, limit int, controls *graph.CycleControls) *graph.Graph {
	t.Helper()
	g := graph.New("counter-loop", "counter loop")
	require.NoError(t, g.AddNode("source", node.KindSource,
		map[string]any{"values": map[string]any{"count": 0}}))
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		c, _ := inv.Input("count")
		n := asInt(c) + 1
		return map[string]any{"count": n, "done": n >= limit}, nil
	})
	require.NoError(t, g.AddNode("counter", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "source", Target: "counter",
		Mappings: []graph.Mapping{{Source: "count", Target: "count"}},
	}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "counter", Target: "counter", IsCycle: true,
		Mappings: []graph.Mapping{
			{Source: "count", Target: "count"},
			{Source: "done", Target: "done"},
		},
		Controls: controls,
	}))
	return g
}

// =============================================================================
// 🔁 循环执行
// =============================================================================

func TestCounterLoopConverges(t *testing.T) {
	t.Parallel()

	g := counterGraph(t, 5, &graph.CycleControls{
		MaxIterations:   10,
		ConvergenceExpr: "done == True",
	})
	rec := NewRecorder()
	exec := newTestExecutor(WithEventSink(rec))

	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	count, ok := res.NodeOutput("counter", "count")
	require.True(t, ok)
	assert.Equal(t, 5, asInt(count))

	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleConverged, oc.Status)
	assert.Equal(t, 5, oc.Iterations)
	assert.Equal(t, 5, res.Nodes["counter"].Iterations)

	assert.Len(t, rec.ByType(EventIterationFinished), 5)
	finished := rec.ByType(EventCycleFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, string(CycleConverged), finished[0].Detail)
}

func TestExhaustionIsSoftAndFeedsDownstream(t *testing.T) {
	t.Parallel()

	g := counterGraph(t, 1000, &graph.CycleControls{
		MaxIterations:   3,
		ConvergenceExpr: "done == True",
	})
	require.NoError(t, g.AddNode("report", node.KindSink, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "counter", Target: "report",
		Mappings: []graph.Mapping{{Source: "count", Target: "count"}},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err, "exhaustion is a recorded status, not an error")
	assert.Equal(t, StatusCompleted, res.Status)

	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleExhausted, oc.Status)
	assert.Equal(t, 3, oc.Iterations)

	count, ok := res.NodeOutput("report", "count")
	require.True(t, ok, "downstream must see the last iteration's output")
	assert.Equal(t, 3, asInt(count))
	assert.Equal(t, StatusCompleted, res.Nodes["report"].Status)
}

func TestConvergenceWinsOnFinalIteration(t *testing.T) {
	t.Parallel()

	// done becomes true exactly on the last allowed iteration.
	g := counterGraph(t, 4, &graph.CycleControls{
		MaxIterations:   4,
		ConvergenceExpr: "done == True",
	})
	exec := newTestExecutor()

	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleConverged, oc.Status)
	assert.Equal(t, 4, oc.Iterations)
}

func TestSingleIterationCap(t *testing.T) {
	t.Parallel()

	g := counterGraph(t, 1000, &graph.CycleControls{
		MaxIterations:   1,
		ConvergenceExpr: "done == True",
	})
	exec := newTestExecutor()

	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleExhausted, oc.Status)
	assert.Equal(t, 1, oc.Iterations)
	count, _ := res.NodeOutput("counter", "count")
	assert.Equal(t, 1, asInt(count))
}

func TestConvergenceCallback(t *testing.T) {
	t.Parallel()

	g := counterGraph(t, 1000, &graph.CycleControls{
		MaxIterations: 10,
		Convergence: func(iteration int, outputs map[string]map[string]any, run graph.RunContext) (bool, string, error) {
			return asInt(outputs["counter"]["count"]) >= 3, "count reached 3", nil
		},
	})
	exec := newTestExecutor()

	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleConverged, oc.Status)
	assert.Equal(t, 3, oc.Iterations)
	assert.Equal(t, "count reached 3", oc.Reason)
}

func TestConvergenceErrorEscalatesOnFinalIteration(t *testing.T) {
	t.Parallel()

	g := counterGraph(t, 1000, &graph.CycleControls{
		MaxIterations:   3,
		ConvergenceExpr: "missing_field > 1 && (", // always a parse error
	})
	rec := NewRecorder()
	exec := newTestExecutor(WithEventSink(rec))

	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConvergenceEvaluation, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)

	// The first two failures are warnings, only the final one escalates.
	assert.Len(t, rec.ByType(EventConvergenceWarning), 2)
	oc := res.Cycles["cycle:counter->counter"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleFailed, oc.Status)
}

func TestParamsVisibleOnEveryIteration(t *testing.T) {
	t.Parallel()

	var seenStep atomic.Int32
	g := graph.New("step-loop", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		step, ok := inv.Input("step")
		if !ok {
			return nil, errors.New("step parameter missing")
		}
		seenStep.Add(1)
		total := asInt(inv.State.Previous()["total"]) + asInt(step)
		inv.State.Set("total", total)
		return map[string]any{"total": total}, nil
	})
	require.NoError(t, g.AddNode("acc", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "acc", Target: "acc", IsCycle: true,
		Controls: &graph.CycleControls{MaxIterations: 4, ConvergenceExpr: "total >= 12"},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, map[string]map[string]any{
		"acc": {"step": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(4), seenStep.Load(), "the run parameter must resolve on every iteration")
	total, _ := res.NodeOutput("acc", "total")
	assert.Equal(t, 12, asInt(total))
	assert.Equal(t, CycleConverged, res.Cycles["cycle:acc->acc"].Status)
}

func TestStateWinsOverPropagatedInput(t *testing.T) {
	t.Parallel()

	var secondInput atomic.Int32
	g := graph.New("precedence", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		v, _ := inv.Input("value")
		n := asInt(v)
		if n > 0 {
			secondInput.Store(int32(n))
		}
		// Propagates value=1 on the closing edge but stages value=100 as
		// state; the next iteration must see 100.
		inv.State.Set("value", 100)
		return map[string]any{"value": 1, "done": n == 100}, nil
	})
	require.NoError(t, g.AddNode("probe", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "probe", Target: "probe", IsCycle: true,
		Mappings: []graph.Mapping{{Source: "value", Target: "value"}},
		Controls: &graph.CycleControls{MaxIterations: 2, ConvergenceExpr: "done == True"},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, CycleConverged, res.Cycles["cycle:probe->probe"].Status)
	assert.Equal(t, int32(100), secondInput.Load(), "explicit state must win over the propagated input")
}

// =============================================================================
// 🔀 路由
// =============================================================================

func TestRouterCasesSkipNonFiringConsumers(t *testing.T) {
	t.Parallel()

	g := graph.New("tiers", "")
	require.NoError(t, g.AddNode("ingest", node.KindSource, nil))
	require.NoError(t, g.AddNode("route", node.KindRouter, map[string]any{
		"condition_field": "tier",
		"cases": []any{
			node.NewCaseConfig("low", "", "==", "low"),
			node.NewCaseConfig("medium", "", "==", "medium"),
			node.NewCaseConfig("high", "", "==", "high"),
		},
	}))
	var invoked [4]atomic.Int32
	for i, id := range []string{"low_handler", "medium_handler", "high_handler", "fallback"} {
		i := i
		handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
			invoked[i].Add(1)
			return map[string]any{"handled": true}, nil
		})
		require.NoError(t, g.AddNode(id, node.KindCode, map[string]any{"handler": handler}))
	}
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "ingest", Target: "route"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "low_handler", Port: node.CasePort("low")}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "medium_handler", Port: node.CasePort("medium")}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "high_handler", Port: node.CasePort("high")}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "fallback", Port: node.PortDefault}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, map[string]map[string]any{
		"ingest": {"tier": "medium"},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(0), invoked[0].Load(), "case_low consumer must never be invoked")
	assert.Equal(t, int32(1), invoked[1].Load())
	assert.Equal(t, int32(0), invoked[2].Load(), "case_high consumer must never be invoked")
	assert.Equal(t, int32(0), invoked[3].Load())

	assert.Equal(t, StatusSkipped, res.Nodes["low_handler"].Status)
	assert.Equal(t, StatusCompleted, res.Nodes["medium_handler"].Status)
	assert.Equal(t, StatusSkipped, res.Nodes["high_handler"].Status)
	assert.Equal(t, StatusSkipped, res.Nodes["fallback"].Status)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestRejoinAfterRouterRuns(t *testing.T) {
	t.Parallel()

	g := graph.New("rejoin", "")
	require.NoError(t, g.AddNode("in", node.KindSource, nil))
	require.NoError(t, g.AddNode("route", node.KindRouter, map[string]any{
		"condition_field": "ok", "operator": "==", "value": true,
	}))
	require.NoError(t, g.AddNode("yes", node.KindPassthrough, nil))
	require.NoError(t, g.AddNode("no", node.KindPassthrough, nil))
	require.NoError(t, g.AddNode("join", node.KindMerge, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "in", Target: "route"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "yes", Port: node.PortTrue}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "route", Target: "no", Port: node.PortFalse}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "yes", Target: "join"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "no", Target: "join"}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, map[string]map[string]any{
		"in": {"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Nodes["yes"].Status)
	assert.Equal(t, StatusSkipped, res.Nodes["no"].Status)
	assert.Equal(t, StatusCompleted, res.Nodes["join"].Status,
		"a merge with one fired inbound branch still runs")
}

// =============================================================================
// 🧨 失败与跳过
// =============================================================================

func TestFailurePoisonsDownstreamOnly(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := graph.New("poison", "")
	require.NoError(t, g.AddNode("a", node.KindSource, nil))
	require.NoError(t, g.AddNode("bad", node.KindCode, map[string]any{
		"handler": node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
			return nil, boom
		}),
	}))
	require.NoError(t, g.AddNode("after_bad", node.KindPassthrough, nil))
	require.NoError(t, g.AddNode("independent", node.KindPassthrough, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "a", Target: "bad"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "bad", Target: "after_bad"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "a", Target: "independent"}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeExecution, types.CodeOf(err))
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StatusFailed, res.Nodes["bad"].Status)
	assert.Equal(t, StatusSkipped, res.Nodes["after_bad"].Status)
	assert.Equal(t, StatusCompleted, res.Nodes["independent"].Status,
		"independent branches keep executing past a failure")
}

func TestFailedCycleSkipsDownstream(t *testing.T) {
	t.Parallel()

	g := graph.New("cycle-fail", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		n := asInt(inv.State.Previous()["n"]) + 1
		inv.State.Set("n", n)
		if n == 2 {
			return nil, errors.New("iteration two exploded")
		}
		return map[string]any{"n": n}, nil
	})
	require.NoError(t, g.AddNode("worker", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddNode("report", node.KindSink, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "worker", Target: "worker", IsCycle: true,
		Controls: &graph.CycleControls{MaxIterations: 5},
	}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "worker", Target: "report"}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, CycleFailed, res.Cycles["cycle:worker->worker"].Status)
	assert.Equal(t, StatusSkipped, res.Nodes["report"].Status,
		"downstream of a failed cycle is skipped even though earlier iterations completed")
}

func TestRetryableKindRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	registry := node.Builtin()
	require.NoError(t, registry.Register("flaky", node.KindSpec{
		Invoker: node.InvokerFunc(func(ctx context.Context, inv *node.Invocation) (*node.Result, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return &node.Result{Outputs: map[string]any{"ok": true}}, nil
		}),
		Retryable:  true,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}))

	g := graph.New("retry", "")
	require.NoError(t, g.AddNode("flaky", "flaky", nil))

	rec := NewRecorder()
	exec := New(registry, WithLogger(zap.NewNop()), WithEventSink(rec))
	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Nodes["flaky"].Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, rec.ByType(EventNodeRetried), 2)
}

func TestUnknownKindFailsNode(t *testing.T) {
	t.Parallel()

	g := graph.New("unknown", "")
	require.NoError(t, g.AddNode("mystery", "does-not-exist", nil))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownKind, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Nodes["mystery"].Status)
}

func TestMissingMappingFieldFailsConsumer(t *testing.T) {
	t.Parallel()

	g := graph.New("missing-field", "")
	require.NoError(t, g.AddNode("producer", node.KindSource,
		map[string]any{"values": map[string]any{"present": 1}}))
	require.NoError(t, g.AddNode("consumer", node.KindPassthrough, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "producer", Target: "consumer",
		Mappings: []graph.Mapping{{Source: "absent.path", Target: "x"}},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingMappingField, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Nodes["consumer"].Status)
}

func TestMissingMappingFieldFailsCycleMember(t *testing.T) {
	t.Parallel()

	// The producer runs and fires inside the cycle, so the missing path is
	// a contract violation, not a routing skip.
	g := graph.New("missing-field-cycle", "")
	require.NoError(t, g.AddNode("a", node.KindSource,
		map[string]any{"values": map[string]any{"present": 1}}))
	require.NoError(t, g.AddNode("b", node.KindPassthrough, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "a", Target: "b",
		Mappings: []graph.Mapping{{Source: "nope", Target: "y"}},
	}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "b", Target: "a", IsCycle: true,
		Controls: &graph.CycleControls{MaxIterations: 3},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingMappingField, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Nodes["b"].Status)
	require.Contains(t, res.Cycles, "cycle:b->a")
	assert.Equal(t, CycleFailed, res.Cycles["cycle:b->a"].Status)
}

func TestMissingMappingFieldOnClosingEdge(t *testing.T) {
	t.Parallel()

	// The closing edge maps a field the terminal never produces; iteration
	// one succeeds, the carry into iteration two must fail the group.
	handler := node.CodeFunc(func(_ context.Context, inv *node.Invocation) (map[string]any, error) {
		c, _ := inv.Input("count")
		return map[string]any{"count": asInt(c) + 1}, nil
	})
	g := graph.New("missing-closing-field", "")
	require.NoError(t, g.AddNode("counter", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "counter", Target: "counter", IsCycle: true,
		Mappings: []graph.Mapping{{Source: "missing", Target: "count"}},
		Controls: &graph.CycleControls{MaxIterations: 5},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingMappingField, types.CodeOf(err))
	require.Contains(t, res.Cycles, "cycle:counter->counter")
	assert.Equal(t, CycleFailed, res.Cycles["cycle:counter->counter"].Status)
}

// =============================================================================
// ⏱️ 取消与超时
// =============================================================================

func TestCancellationStopsTheRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	g := graph.New("cancel", "")
	require.NoError(t, g.AddNode("first", node.KindCode, map[string]any{
		"handler": node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
			cancel()
			return map[string]any{"ok": true}, nil
		}),
	}))
	require.NoError(t, g.AddNode("second", node.KindPassthrough, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "first", Target: "second"}))

	exec := newTestExecutor()
	res, err := exec.Execute(ctx, g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunCancelled, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StatusSkipped, res.Nodes["second"].Status)
}

func TestCancellationInsideCycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	g := graph.New("cancel-cycle", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		n := asInt(inv.State.Previous()["n"]) + 1
		inv.State.Set("n", n)
		if n == 2 {
			cancel()
		}
		return map[string]any{"n": n}, nil
	})
	require.NoError(t, g.AddNode("looper", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "looper", Target: "looper", IsCycle: true,
		Controls: &graph.CycleControls{MaxIterations: 50},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(ctx, g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunCancelled, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestHardCycleTimeout(t *testing.T) {
	t.Parallel()

	g := graph.New("hard-timeout", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		select {
		case <-time.After(20 * time.Millisecond):
			return map[string]any{"n": 1}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, g.AddNode("slow", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "slow", Target: "slow", IsCycle: true,
		Controls: &graph.CycleControls{MaxIterations: 100, Timeout: 50 * time.Millisecond},
	}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleTimeout, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, CycleTimedOut, res.Cycles["cycle:slow->slow"].Status)
}

func TestSoftCycleTimeoutFeedsDownstream(t *testing.T) {
	t.Parallel()

	g := graph.New("soft-timeout", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		n := asInt(inv.State.Previous()["n"]) + 1
		inv.State.Set("n", n)
		select {
		case <-time.After(20 * time.Millisecond):
			return map[string]any{"n": n}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, g.AddNode("slow", node.KindCode, map[string]any{"handler": handler}))
	require.NoError(t, g.AddNode("report", node.KindSink, nil))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{
		Source: "slow", Target: "slow", IsCycle: true,
		Controls: &graph.CycleControls{
			MaxIterations: 100,
			Timeout:       50 * time.Millisecond,
			SoftTimeout:   true,
		},
	}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "slow", Target: "report"}))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err, "a soft timeout is a recorded status, not an error")
	assert.Equal(t, StatusCompleted, res.Status)

	oc := res.Cycles["cycle:slow->slow"]
	require.NotNil(t, oc)
	assert.Equal(t, CycleTimedOut, oc.Status)
	assert.GreaterOrEqual(t, oc.Iterations, 1)

	n, ok := res.NodeOutput("report", "n")
	require.True(t, ok)
	assert.Equal(t, oc.Iterations, asInt(n))
}

func TestPerNodeTimeout(t *testing.T) {
	t.Parallel()

	g := graph.New("node-timeout", "")
	handler := node.CodeFunc(func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, g.AddNode("stuck", node.KindCode,
		map[string]any{"handler": handler}, graph.WithTimeout(10*time.Millisecond)))

	exec := newTestExecutor()
	res, err := exec.Execute(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeExecution, types.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Nodes["stuck"].Status)
}

// =============================================================================
// 🌿 并发分支
// =============================================================================

func branchGraph(t *testing.T, leftHandler, rightHandler node.CodeFunc) *graph.Graph {
	t.Helper()
	g := graph.New("branches", "")
	require.NoError(t, g.AddNode("start", node.KindSource,
		map[string]any{"values": map[string]any{"seed": 1}}))
	require.NoError(t, g.AddNode("left", node.KindCode, map[string]any{"handler": leftHandler}))
	require.NoError(t, g.AddNode("right", node.KindCode, map[string]any{"handler": rightHandler}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "start", Target: "left"}))
	require.NoError(t, g.AddEdge(graph.EdgeSpec{Source: "start", Target: "right"}))
	return g
}

func TestIndependentBranchesSequential(t *testing.T) {
	t.Parallel()

	mk := func(name string) node.CodeFunc {
		return func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
			return map[string]any{"branch": name}, nil
		}
	}
	g := branchGraph(t, mk("left"), mk("right"))

	exec := newTestExecutor(WithMaxConcurrency(1))
	res, err := exec.Execute(context.Background(), g, nil)
	require.NoError(t, err)
	left, _ := res.NodeOutput("left", "branch")
	right, _ := res.NodeOutput("right", "branch")
	assert.Equal(t, "left", left)
	assert.Equal(t, "right", right)
}

func TestIndependentBranchesRunConcurrently(t *testing.T) {
	t.Parallel()

	// Each branch blocks until the other arrives. Deadlocks unless both
	// execute at the same time.
	arrived := make(chan string, 2)
	release := make(chan struct{})
	go func() {
		<-arrived
		<-arrived
		close(release)
	}()
	mk := func(name string) node.CodeFunc {
		return func(ctx context.Context, inv *node.Invocation) (map[string]any, error) {
			arrived <- name
			select {
			case <-release:
				return map[string]any{"branch": name}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	g := branchGraph(t, mk("left"), mk("right"))

	exec := newTestExecutor(WithMaxConcurrency(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := exec.Execute(ctx, g, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Nodes["left"].Status)
	assert.Equal(t, StatusCompleted, res.Nodes["right"].Status)
}
