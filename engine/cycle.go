package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/types"
)

// runCycleGroup iterates one cycle group to its terminal state. Iterations
// are strictly sequential; members execute in intra-group topological order
// within each iteration.
func (e *Executor) runCycleGroup(ctx context.Context, st *runState, group *graph.CycleGroup, logger *zap.Logger) {
	controls := group.Closing.Controls
	maxIter := e.maxIterations
	var budget time.Duration
	softTimeout := false
	if controls != nil {
		if controls.MaxIterations > 0 {
			maxIter = controls.MaxIterations
		}
		budget = controls.Timeout
		softTimeout = controls.SoftTimeout
	}

	st.mu.Lock()
	outcome, restored := st.result.Cycles[group.ID]
	if !restored {
		outcome = &CycleOutcome{}
		st.result.Cycles[group.ID] = outcome
	}
	st.mu.Unlock()
	if restored && outcome.Status != "" {
		// The snapshot was taken after this group finished.
		return
	}

	if skip, reason := e.groupDisposition(st, group); skip {
		for _, member := range group.Members {
			e.skipNode(st, member, reason)
		}
		st.mu.Lock()
		delete(st.result.Cycles, group.ID)
		st.mu.Unlock()
		return
	}

	groupCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		groupCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	glog := logger.With(zap.String("group_id", group.ID))
	start := time.Now()
	var lastOutputs map[string]map[string]any
	var lastFired map[string][]string

	firstIter := 1
	st.mu.Lock()
	if resumed := st.resumedIterations[group.ID]; resumed > 0 {
		firstIter = resumed + 1
		outcome.Iterations = resumed
	}
	st.mu.Unlock()

	for i := firstIter; i <= maxIter; i++ {
		if ctx.Err() != nil {
			e.failCycle(st, group, outcome, start,
				types.NewError(types.ErrRunCancelled, "run cancelled during cycle").
					WithCycle(group.ID, i).WithCause(ctx.Err()))
			return
		}
		if groupCtx.Err() != nil {
			e.finishTimedOut(st, group, outcome, start, softTimeout, lastOutputs, lastFired, i-1)
			return
		}

		st.ec.BeginIteration(group.ID, i)
		e.sink.Emit(Event{
			Type: EventIterationStarted, RunID: st.ec.RunID(),
			GroupID: group.ID, Iteration: i, Timestamp: time.Now(),
		})
		iterStart := time.Now()

		iterOutputs, iterFired, err := e.runIteration(groupCtx, st, group, i, lastOutputs, glog)
		if err != nil {
			if groupCtx.Err() != nil && ctx.Err() == nil {
				e.finishTimedOut(st, group, outcome, start, softTimeout, lastOutputs, lastFired, i-1)
				return
			}
			if ctx.Err() != nil {
				e.failCycle(st, group, outcome, start,
					types.NewError(types.ErrRunCancelled, "run cancelled during cycle").
						WithCycle(group.ID, i).WithCause(ctx.Err()))
				return
			}
			e.failCycle(st, group, outcome, start, err)
			return
		}

		iterElapsed := time.Since(iterStart)
		if e.metrics != nil {
			e.metrics.RecordCycleIteration(group.ID, iterElapsed)
		}
		e.sink.Emit(Event{
			Type: EventIterationFinished, RunID: st.ec.RunID(),
			GroupID: group.ID, Iteration: i, Duration: iterElapsed, Timestamp: time.Now(),
		})

		lastOutputs = iterOutputs
		lastFired = iterFired
		st.setOutcome(outcome, func(o *CycleOutcome) { o.Iterations = i })
		e.saveSnapshot(ctx, st)

		// Convergence is checked before the iteration cap so a group that
		// converges on its final allowed iteration counts as converged.
		converged, reason, cerr := evaluateConvergence(controls, group, i, iterOutputs, st.ec)
		if cerr != nil {
			if e.metrics != nil {
				e.metrics.RecordConvergenceCheck(group.ID, "error")
			}
			if i == maxIter {
				e.failCycle(st, group, outcome, start, cerr)
				return
			}
			glog.Warn("convergence evaluation failed, continuing",
				zap.Int("iteration", i), zap.Error(cerr))
			e.sink.Emit(Event{
				Type: EventConvergenceWarning, RunID: st.ec.RunID(),
				GroupID: group.ID, Iteration: i, Err: cerr, Timestamp: time.Now(),
			})
			continue
		}
		if converged {
			if e.metrics != nil {
				e.metrics.RecordConvergenceCheck(group.ID, "converged")
			}
			st.setOutcome(outcome, func(o *CycleOutcome) {
				o.Status = CycleConverged
				o.Reason = reason
			})
			break
		}
		if e.metrics != nil {
			e.metrics.RecordConvergenceCheck(group.ID, "continue")
		}
	}

	st.setOutcome(outcome, func(o *CycleOutcome) {
		if o.Status == "" {
			// The cap is a recorded termination status, not an error.
			o.Status = CycleExhausted
			o.Reason = "iteration limit reached"
		}
		o.Elapsed = time.Since(start)
	})

	e.publishCycleOutputs(st, lastOutputs, lastFired)
	for _, member := range group.Members {
		if st.nodeStatus(member) == StatusPending {
			e.skipNode(st, member, "no inbound edge fired in any iteration")
		}
	}
	if e.metrics != nil {
		e.metrics.RecordCycleOutcome(group.ID, string(outcome.Status))
	}
	e.sink.Emit(Event{
		Type: EventCycleFinished, RunID: st.ec.RunID(), GroupID: group.ID,
		Iteration: outcome.Iterations, Duration: outcome.Elapsed,
		Detail: string(outcome.Status), Timestamp: time.Now(),
	})
	glog.Info("cycle finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("iterations", outcome.Iterations),
		zap.Duration("elapsed", outcome.Elapsed))
}

// runIteration executes every group member once, in intra-group topological
// order, threading routing and mappings exactly like the outer scheduler.
func (e *Executor) runIteration(
	ctx context.Context,
	st *runState,
	group *graph.CycleGroup,
	iteration int,
	prev map[string]map[string]any,
	logger *zap.Logger,
) (map[string]map[string]any, map[string][]string, error) {
	outputs := make(map[string]map[string]any, len(group.Members))
	fired := make(map[string][]string, len(group.Members))

	for _, member := range group.Members {
		if err := ctx.Err(); err != nil {
			return nil, nil, types.NewError(types.ErrRunCancelled, "iteration interrupted").
				WithCycle(group.ID, iteration).WithCause(err)
		}

		inputs, deliverable, err := e.resolveCycleInputs(st, group, member, iteration, prev, outputs, fired)
		if err != nil {
			e.failNode(st, member, err)
			return nil, nil, err
		}
		if !deliverable {
			e.sink.Emit(Event{
				Type: EventNodeSkipped, RunID: st.ec.RunID(), NodeID: member,
				GroupID: group.ID, Iteration: iteration,
				Detail: "no inbound edge fired this iteration", Timestamp: time.Now(),
			})
			continue
		}

		out, ports, err := e.invokeNode(ctx, st, member, inputs, group.ID, iteration, logger)
		if err != nil {
			// Interruptions are classified by the caller as a timeout or a
			// cancellation; only genuine node failures fail the run here.
			if ctx.Err() == nil {
				e.failNode(st, member, err)
			}
			return nil, nil, err
		}
		outputs[member] = out
		fired[member] = ports
	}
	return outputs, fired, nil
}

// resolveCycleInputs builds a member's inputs for one iteration. Per-field
// precedence: explicit cycle state, then propagated edge inputs, then the
// original run parameters. A mapping error on an edge whose source ran and
// fired is a hard failure, the same as on the outer scheduler's path.
func (e *Executor) resolveCycleInputs(
	st *runState,
	group *graph.CycleGroup,
	member string,
	iteration int,
	prev map[string]map[string]any,
	iterOutputs map[string]map[string]any,
	iterFired map[string][]string,
) (map[string]any, bool, error) {
	inputs := st.ec.NodeParams(member)

	intraIn := 0
	delivered := 0
	for _, edge := range st.graph.ForwardIn(member) {
		var srcOut map[string]any
		if group.Contains(edge.Source) {
			intraIn++
			out, ran := iterOutputs[edge.Source]
			if !ran || !portFired(iterFired[edge.Source], edge.Port) {
				continue
			}
			srcOut = out
		} else {
			out, ok := st.nodeOutputs(edge.Source)
			if !ok {
				continue
			}
			st.mu.Lock()
			firedOK := portFired(st.fired[edge.Source], edge.Port)
			st.mu.Unlock()
			if !firedOK {
				continue
			}
			srcOut = out
		}
		resolved, err := graph.ResolveMappings(edge.Mappings, srcOut)
		if err != nil {
			// The source ran and fired this port, so a missing path is a
			// contract violation, never a routing skip.
			return nil, false, err
		}
		delivered++
		for k, v := range resolved {
			inputs[k] = v
		}
	}

	// The closing edge feeds the entry from the previous iteration's
	// terminal outputs. On the first iteration there is nothing to carry.
	if member == group.Entry && iteration > 1 && prev != nil {
		if termOut, ok := prev[group.Terminal]; ok {
			resolved, err := graph.ResolveMappings(group.Closing.Mappings, termOut)
			if err != nil {
				return nil, false, err
			}
			delivered++
			for k, v := range resolved {
				inputs[k] = v
			}
		}
	}

	// Explicit state wins over everything.
	for k, v := range st.ec.PreviousState(group.ID, member) {
		inputs[k] = v
	}

	if member != group.Entry && intraIn > 0 && delivered == 0 {
		return nil, false, nil
	}
	return inputs, true, nil
}

// publishCycleOutputs makes the last iteration's member outputs visible to
// downstream consumers.
func (e *Executor) publishCycleOutputs(st *runState, outputs map[string]map[string]any, fired map[string][]string) {
	for member, out := range outputs {
		st.setOutputs(member, out)
	}
	for member, ports := range fired {
		st.setFired(member, ports)
	}
}

// groupDisposition mirrors single-node disposition for a whole group,
// considering only edges arriving from outside the group.
func (e *Executor) groupDisposition(st *runState, group *graph.CycleGroup) (bool, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	external := 0
	delivered := 0
	for _, member := range group.Members {
		for _, edge := range st.graph.ForwardIn(member) {
			if group.Contains(edge.Source) {
				continue
			}
			external++
			src := st.result.Nodes[edge.Source]
			if src.Status == StatusFailed || st.poisoned[edge.Source] {
				return true, "upstream failure"
			}
			if src.Status == StatusCompleted && portFired(st.fired[edge.Source], edge.Port) {
				delivered++
			}
		}
	}
	if external > 0 && delivered == 0 {
		return true, "no inbound edge fired"
	}
	return false, ""
}

// settleInterrupted resolves members left mid-invocation by an
// interruption. Failed groups fail them; soft endings keep members with
// completed iterations as completed.
func (e *Executor) settleInterrupted(st *runState, group *graph.CycleGroup, failed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, member := range group.Members {
		ns := st.result.Nodes[member]
		if ns.Status != StatusRunning {
			continue
		}
		switch {
		case failed:
			ns.Status = StatusFailed
		case ns.Iterations > 0:
			ns.Status = StatusCompleted
		default:
			ns.Status = StatusSkipped
		}
	}
}

// finishTimedOut ends a group whose wall-clock budget ran out. Soft
// timeouts record the status and let the last completed iteration's outputs
// flow downstream; hard timeouts fail the group.
func (e *Executor) finishTimedOut(
	st *runState,
	group *graph.CycleGroup,
	outcome *CycleOutcome,
	start time.Time,
	soft bool,
	lastOutputs map[string]map[string]any,
	lastFired map[string][]string,
	completed int,
) {
	e.settleInterrupted(st, group, !soft)
	if !soft {
		err := types.Errorf(types.ErrCycleTimeout, "cycle %q exceeded its time budget", group.ID).
			WithCycle(group.ID, completed)
		st.setOutcome(outcome, func(o *CycleOutcome) {
			o.Status = CycleTimedOut
			o.Iterations = completed
			o.Reason = err.Error()
			o.Elapsed = time.Since(start)
		})
		st.fail(err)
		st.mu.Lock()
		for _, member := range group.Members {
			st.poisoned[member] = true
		}
		st.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordCycleOutcome(group.ID, string(CycleTimedOut))
		}
		e.sink.Emit(Event{
			Type: EventCycleFinished, RunID: st.ec.RunID(), GroupID: group.ID,
			Iteration: completed, Duration: outcome.Elapsed,
			Detail: string(CycleTimedOut), Err: err, Timestamp: time.Now(),
		})
		return
	}
	st.setOutcome(outcome, func(o *CycleOutcome) {
		o.Status = CycleTimedOut
		o.Iterations = completed
		o.Reason = "time budget exhausted"
		o.Elapsed = time.Since(start)
	})
	e.publishCycleOutputs(st, lastOutputs, lastFired)
	if e.metrics != nil {
		e.metrics.RecordCycleOutcome(group.ID, string(CycleTimedOut))
	}
	e.sink.Emit(Event{
		Type: EventCycleFinished, RunID: st.ec.RunID(), GroupID: group.ID,
		Iteration: completed, Duration: outcome.Elapsed,
		Detail: string(CycleTimedOut), Timestamp: time.Now(),
	})
}

// failCycle records a failed group and poisons every member so downstream
// consumers are skipped, never fed partial results.
func (e *Executor) failCycle(st *runState, group *graph.CycleGroup, outcome *CycleOutcome, start time.Time, err error) {
	e.settleInterrupted(st, group, true)
	st.setOutcome(outcome, func(o *CycleOutcome) {
		o.Status = CycleFailed
		o.Reason = err.Error()
		o.Elapsed = time.Since(start)
	})
	st.fail(err)
	st.mu.Lock()
	for _, member := range group.Members {
		st.poisoned[member] = true
	}
	st.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordCycleOutcome(group.ID, string(CycleFailed))
	}
	e.sink.Emit(Event{
		Type: EventCycleFinished, RunID: st.ec.RunID(), GroupID: group.ID,
		Iteration: outcome.Iterations, Duration: outcome.Elapsed,
		Detail: string(CycleFailed), Err: err, Timestamp: time.Now(),
	})
}
