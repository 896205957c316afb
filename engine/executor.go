package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/internal/metrics"
	"github.com/BaSui01/cycleflow/internal/pool"
	"github.com/BaSui01/cycleflow/node"
	"github.com/BaSui01/cycleflow/types"
)

// DefaultMaxIterations caps a cycle group that sets no limit of its own.
const DefaultMaxIterations = 100

// Executor runs validated graphs. It is safe for concurrent use: all
// per-run state lives in the run, never on the executor.
type Executor struct {
	registry       *node.Registry
	logger         *zap.Logger
	metrics        *metrics.Collector
	tracer         trace.Tracer
	sink           Sink
	snapshots      SnapshotStore
	maxConcurrency int
	maxIterations  int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithEventSink attaches an event sink.
func WithEventSink(s Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithSnapshotStore enables run snapshots after every completed unit and
// cycle iteration.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(e *Executor) { e.snapshots = s }
}

// WithMaxConcurrency bounds how many independent branches execute at once.
// 1 gives fully sequential execution.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) { e.maxConcurrency = n }
}

// WithMaxIterations overrides the default iteration cap for cycle groups
// that set none.
func WithMaxIterations(n int) Option {
	return func(e *Executor) { e.maxIterations = n }
}

// New creates an executor over a node kind registry.
func New(registry *node.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:       registry,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("cycleflow/engine"),
		sink:           NopSink(),
		maxConcurrency: pool.DefaultConfig().MaxWorkers,
		maxIterations:  DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	return e
}

// runState is the mutable state of one run, shared by the dispatch
// goroutines and guarded by mu.
type runState struct {
	graph  *graph.Graph
	topo   *graph.Topology
	ec     *node.ExecutionContext
	result *RunResult

	mu sync.Mutex
	// fired records the ports fired by each completed node's last pass.
	fired map[string][]string
	// poisoned marks nodes downstream of a failure. They are skipped and
	// they poison their own successors in turn.
	poisoned map[string]bool
	// resumedIterations carries completed iteration counts from a
	// snapshot, keyed by group id.
	resumedIterations map[string]int
	firstErr          error
}

func (st *runState) setFired(nodeID string, ports []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fired[nodeID] = ports
}

func (st *runState) nodeStatus(nodeID string) Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result.Nodes[nodeID].Status
}

func (st *runState) setNode(nodeID string, status Status, iterations int, d time.Duration, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ns := st.result.Nodes[nodeID]
	ns.Status = status
	if iterations > 0 {
		ns.Iterations = iterations
	}
	ns.Duration += d
	if err != nil {
		ns.Err = err
		ns.Error = err.Error()
	}
}

func (st *runState) setOutputs(nodeID string, outputs map[string]any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.result.Outputs[nodeID] = outputs
}

func (st *runState) nodeOutputs(nodeID string) (map[string]any, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out, ok := st.result.Outputs[nodeID]
	return out, ok
}

// setOutcome mutates a group's recorded outcome under the state lock;
// snapshot capture reads every outcome concurrently with running groups.
func (st *runState) setOutcome(outcome *CycleOutcome, mutate func(*CycleOutcome)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	mutate(outcome)
}

func (st *runState) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.firstErr == nil {
		st.firstErr = err
	}
}

// Execute runs a graph to completion. params maps node id to its
// run-supplied initial parameters; those stay visible on every cycle
// iteration, not only the first.
//
// The returned error is non-nil for structural rejections and failed runs;
// the RunResult carries per-node and per-cycle detail either way.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph, params map[string]map[string]any) (*RunResult, error) {
	return e.execute(ctx, g, params, nil)
}

// Resume continues a run from a snapshot: completed node outputs and cycle
// state are restored, finished units are not re-executed, and interrupted
// cycle groups continue from the iteration after the snapshot.
func (e *Executor) Resume(ctx context.Context, g *graph.Graph, snap *Snapshot, params map[string]map[string]any) (*RunResult, error) {
	if snap == nil {
		return nil, types.NewError(types.ErrInvalidParameter, "nil snapshot")
	}
	return e.execute(ctx, g, params, snap)
}

func (e *Executor) execute(ctx context.Context, g *graph.Graph, params map[string]map[string]any, snap *Snapshot) (*RunResult, error) {
	topo, err := g.Analyze()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if snap != nil {
		runID = snap.RunID
	}
	logger := e.logger.With(zap.String("run_id", runID), zap.String("graph_id", g.ID()))

	ctx, span := e.tracer.Start(ctx, "cycleflow.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("graph_id", g.ID()),
		))
	defer span.End()

	result := &RunResult{
		RunID:     runID,
		GraphID:   g.ID(),
		Status:    StatusRunning,
		Outputs:   make(map[string]map[string]any),
		Nodes:     make(map[string]*NodeState),
		Cycles:    make(map[string]*CycleOutcome),
		StartedAt: time.Now(),
	}
	for _, id := range g.NodeIDs() {
		result.Nodes[id] = &NodeState{Status: StatusPending}
	}

	st := &runState{
		graph:             g,
		topo:              topo,
		ec:                node.NewExecutionContext(runID, params),
		result:            result,
		fired:             make(map[string][]string),
		poisoned:          make(map[string]bool),
		resumedIterations: make(map[string]int),
	}
	if snap != nil {
		e.restore(st, snap)
	}

	logger.Info("run started", zap.Int("nodes", len(g.NodeIDs())), zap.Int("cycle_groups", len(topo.Groups)))
	e.sink.Emit(Event{Type: EventRunStarted, RunID: runID, Timestamp: time.Now()})

	workers := pool.New(pool.Config{
		MaxWorkers: e.maxConcurrency,
		QueueSize:  len(topo.Units) + 1,
	})
	defer workers.Close()

	runErr := e.dispatch(ctx, st, workers, logger)

	result.Duration = time.Since(result.StartedAt)
	if runErr != nil {
		result.Status = StatusFailed
		result.Err = runErr
	} else {
		result.Status = StatusCompleted
	}

	if e.metrics != nil {
		e.metrics.RecordRun(g.ID(), string(result.Status), result.Duration)
	}
	e.sink.Emit(Event{
		Type: EventRunFinished, RunID: runID,
		Status: result.Status, Duration: result.Duration, Err: runErr,
		Timestamp: time.Now(),
	})
	if runErr != nil {
		logger.Warn("run failed", zap.Error(runErr), zap.Duration("duration", result.Duration))
	} else {
		logger.Info("run finished", zap.Duration("duration", result.Duration))
	}
	e.saveSnapshot(ctx, st)

	return result, runErr
}

// dispatch executes condensed units in dependency waves: every unit whose
// dependencies finished runs in the current wave, waves run their units
// concurrently on the worker pool, iterations inside a cycle unit stay
// sequential.
func (e *Executor) dispatch(ctx context.Context, st *runState, workers *pool.WorkerPool, logger *zap.Logger) error {
	done := make(map[string]bool, len(st.topo.Units))

	for len(done) < len(st.topo.Units) {
		if err := ctx.Err(); err != nil {
			cancelErr := types.NewError(types.ErrRunCancelled, "run cancelled").WithCause(err)
			st.fail(cancelErr)
			e.skipPending(st)
			return cancelErr
		}

		var wave []*graph.Unit
		for _, u := range st.topo.Units {
			if done[u.ID] {
				continue
			}
			ready := true
			for _, dep := range st.topo.Deps(u) {
				if !done[dep.ID] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, u)
			}
		}
		if len(wave) == 0 {
			// Unreachable on a validated topology.
			return types.NewError(types.ErrInvalidGraph, "no runnable unit; dependency order is broken")
		}

		eg, waveCtx := errgroup.WithContext(ctx)
		for _, u := range wave {
			u := u
			eg.Go(func() error {
				return workers.SubmitWait(waveCtx, func(taskCtx context.Context) error {
					e.runUnit(taskCtx, st, u, logger)
					return nil
				})
			})
		}
		if err := eg.Wait(); err != nil {
			cancelErr := types.NewError(types.ErrRunCancelled, "run cancelled").WithCause(err)
			st.fail(cancelErr)
			e.skipPending(st)
			return cancelErr
		}
		for _, u := range wave {
			done[u.ID] = true
		}
		e.saveSnapshot(ctx, st)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.firstErr
}

// skipPending marks every still-pending node as skipped.
func (e *Executor) skipPending(st *runState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ns := range st.result.Nodes {
		if ns.Status == StatusPending || ns.Status == StatusRunning {
			ns.Status = StatusSkipped
		}
	}
}

// runUnit executes one condensed unit: a single node or a whole cycle
// group. Failures are recorded on the run state, not returned; sibling
// branches keep executing.
func (e *Executor) runUnit(ctx context.Context, st *runState, u *graph.Unit, logger *zap.Logger) {
	if u.Group != nil {
		e.runCycleGroup(ctx, st, u.Group, logger)
		return
	}
	nodeID := u.Nodes[0]

	// Resumed runs skip units that already have outputs.
	if st.nodeStatus(nodeID) == StatusCompleted {
		return
	}

	if skip, reason := e.disposition(st, nodeID); skip {
		e.skipNode(st, nodeID, reason)
		return
	}

	inputs, err := e.resolveInputs(st, nodeID)
	if err != nil {
		e.failNode(st, nodeID, err)
		return
	}

	outputs, fired, err := e.invokeNode(ctx, st, nodeID, inputs, "", 0, logger)
	if err != nil {
		e.failNode(st, nodeID, err)
		return
	}
	st.setOutputs(nodeID, outputs)
	st.setFired(nodeID, fired)
}

// disposition decides whether a node must be skipped before invocation.
func (e *Executor) disposition(st *runState, nodeID string) (bool, string) {
	inbound := st.graph.ForwardIn(nodeID)
	if len(inbound) == 0 {
		return false, ""
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	delivered := 0
	for _, edge := range inbound {
		src := st.result.Nodes[edge.Source]
		if src.Status == StatusFailed || st.poisoned[edge.Source] {
			return true, "upstream failure"
		}
		if src.Status == StatusCompleted && portFired(st.fired[edge.Source], edge.Port) {
			delivered++
		}
	}
	if delivered == 0 {
		return true, "no inbound edge fired"
	}
	return false, ""
}

// portFired reports whether an edge carries data given the ports its
// source fired. Unlabeled edges always fire; labeled edges only when the
// source fired their port.
func portFired(fired []string, port string) bool {
	if port == "" {
		return true
	}
	for _, p := range fired {
		if p == port {
			return true
		}
	}
	return false
}

// resolveInputs builds a node's input map: run parameters first, then every
// delivered inbound edge's mappings resolved against its source outputs.
func (e *Executor) resolveInputs(st *runState, nodeID string) (map[string]any, error) {
	inputs := st.ec.NodeParams(nodeID)
	for _, edge := range st.graph.ForwardIn(nodeID) {
		srcOut, ok := st.nodeOutputs(edge.Source)
		if !ok {
			continue
		}
		st.mu.Lock()
		firedOK := portFired(st.fired[edge.Source], edge.Port)
		st.mu.Unlock()
		if !firedOK {
			continue
		}
		resolved, err := graph.ResolveMappings(edge.Mappings, srcOut)
		if err != nil {
			return nil, err
		}
		for k, v := range resolved {
			inputs[k] = v
		}
	}
	return inputs, nil
}

func (e *Executor) skipNode(st *runState, nodeID, reason string) {
	st.setNode(nodeID, StatusSkipped, 0, 0, nil)
	st.mu.Lock()
	if reason == "upstream failure" {
		st.poisoned[nodeID] = true
	}
	st.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordNodeSkipped(nodeID)
	}
	e.sink.Emit(Event{
		Type: EventNodeSkipped, RunID: st.ec.RunID(), NodeID: nodeID,
		Status: StatusSkipped, Detail: reason, Timestamp: time.Now(),
	})
}

func (e *Executor) failNode(st *runState, nodeID string, err error) {
	st.setNode(nodeID, StatusFailed, 0, 0, err)
	st.fail(err)
	e.sink.Emit(Event{
		Type: EventNodeFinished, RunID: st.ec.RunID(), NodeID: nodeID,
		Status: StatusFailed, Err: err, Timestamp: time.Now(),
	})
}

// invokeNode performs one node invocation: kind lookup, declared parameter
// application, per-node timeout, bounded retries for retryable kinds.
// groupID and iteration are zero outside cycle groups.
func (e *Executor) invokeNode(
	ctx context.Context,
	st *runState,
	nodeID string,
	inputs map[string]any,
	groupID string,
	iteration int,
	logger *zap.Logger,
) (map[string]any, []string, error) {
	spec, _ := st.graph.Node(nodeID)
	kind, ok := e.registry.Lookup(spec.Kind)
	if !ok {
		return nil, nil, types.Errorf(types.ErrUnknownKind,
			"node %q has unregistered kind %q", nodeID, spec.Kind).WithNode(nodeID)
	}

	applied, err := node.ApplyParams(kind.Params, inputs)
	if err != nil {
		return nil, nil, types.Errorf(types.ErrInvalidParameter,
			"node %q: %v", nodeID, err).WithNode(nodeID).WithCause(err)
	}

	st.setNode(nodeID, StatusRunning, 0, 0, nil)
	e.sink.Emit(Event{
		Type: EventNodeStarted, RunID: st.ec.RunID(), NodeID: nodeID,
		GroupID: groupID, Iteration: iteration, Timestamp: time.Now(),
	})

	ctx, span := e.tracer.Start(ctx, "cycleflow.node",
		trace.WithAttributes(
			attribute.String("node_id", nodeID),
			attribute.String("kind", spec.Kind),
			attribute.Int("iteration", iteration),
		))
	defer span.End()

	attempts := 1
	if kind.Retryable && kind.MaxRetries > 0 {
		attempts += kind.MaxRetries
	}

	start := time.Now()
	var res *node.Result
	var inv *node.Invocation
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if e.metrics != nil {
				e.metrics.RecordNodeRetry(nodeID, spec.Kind)
			}
			e.sink.Emit(Event{
				Type: EventNodeRetried, RunID: st.ec.RunID(), NodeID: nodeID,
				GroupID: groupID, Iteration: iteration, Timestamp: time.Now(),
			})
			if kind.RetryDelay > 0 {
				select {
				case <-time.After(kind.RetryDelay):
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
		}

		inv = &node.Invocation{
			NodeID: nodeID,
			Config: spec.Config,
			Inputs: applied,
			Run:    st.ec,
			State:  st.ec.StateAccessor(groupID, nodeID),
		}

		invokeCtx := ctx
		var cancel context.CancelFunc
		if spec.Timeout > 0 {
			invokeCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		}
		res, err = kind.Invoker.Invoke(invokeCtx, inv)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		logger.Debug("node invocation failed",
			zap.String("node_id", nodeID), zap.Int("attempt", attempt), zap.Error(err))
		if !kind.Retryable && !types.IsRetryable(err) {
			break
		}
	}
	elapsed := time.Since(start)

	if err != nil {
		wrapped := types.Errorf(types.ErrNodeExecution,
			"node %q failed: %v", nodeID, err).WithNode(nodeID).WithCause(err)
		if groupID != "" {
			wrapped = wrapped.WithCycle(groupID, iteration)
		}
		if e.metrics != nil {
			e.metrics.RecordNodeExecution(nodeID, spec.Kind, string(StatusFailed), elapsed)
		}
		return nil, nil, wrapped
	}

	outputs := make(map[string]any, len(res.Outputs))
	for k, v := range res.Outputs {
		outputs[k] = v
	}

	// Persist cycle-carried state: values staged through the accessor plus
	// the result's state map. Stored state also backfills absent outputs.
	if groupID != "" {
		update := inv.State.Pending()
		for k, v := range res.State {
			update[k] = v
		}
		st.ec.MergeState(groupID, nodeID, update)
		for k, v := range update {
			if _, present := outputs[k]; !present {
				outputs[k] = v
			}
		}
	}

	st.setNode(nodeID, StatusCompleted, 0, elapsed, nil)
	st.mu.Lock()
	st.result.Nodes[nodeID].Iterations++
	st.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordNodeExecution(nodeID, spec.Kind, string(StatusCompleted), elapsed)
	}
	e.sink.Emit(Event{
		Type: EventNodeFinished, RunID: st.ec.RunID(), NodeID: nodeID,
		GroupID: groupID, Iteration: iteration,
		Status: StatusCompleted, Duration: elapsed, Timestamp: time.Now(),
	})
	logger.Debug("node completed",
		zap.String("node_id", nodeID), zap.Duration("duration", elapsed),
		zap.Strings("fired_ports", res.FiredPorts))

	return outputs, res.FiredPorts, nil
}
