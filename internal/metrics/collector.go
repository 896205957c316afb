// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// 节点指标
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec
	nodeRetriesTotal      *prometheus.CounterVec
	nodesSkippedTotal     *prometheus.CounterVec

	// 循环指标
	cycleIterationsTotal   *prometheus.CounterVec
	cycleOutcomesTotal     *prometheus.CounterVec
	cycleIterationDuration *prometheus.HistogramVec
	convergenceChecksTotal *prometheus.CounterVec

	// 快照指标
	snapshotOpsTotal   *prometheus.CounterVec
	snapshotOpDuration *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 运行指标
	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"graph", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"graph"},
	)

	// 节点指标
	c.nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node invocations",
		},
		[]string{"node_id", "kind", "status"},
	)

	c.nodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_id", "kind"},
	)

	c.nodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node invocation retries",
		},
		[]string{"node_id", "kind"},
	)

	c.nodesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_skipped_total",
			Help:      "Total number of nodes skipped by routing",
		},
		[]string{"node_id"},
	)

	// 循环指标
	c.cycleIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_iterations_total",
			Help:      "Total number of cycle iterations executed",
		},
		[]string{"group"},
	)

	c.cycleOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_outcomes_total",
			Help:      "Total number of finished cycle groups by outcome",
		},
		[]string{"group", "outcome"}, // outcome: converged, exhausted, timeout, failed
	)

	c.cycleIterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_iteration_duration_seconds",
			Help:      "Cycle iteration duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"group"},
	)

	c.convergenceChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "convergence_checks_total",
			Help:      "Total number of convergence evaluations",
		},
		[]string{"group", "result"}, // result: converged, continue, error
	)

	// 快照指标
	c.snapshotOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_ops_total",
			Help:      "Total number of snapshot store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	c.snapshotOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_op_duration_seconds",
			Help:      "Snapshot store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🏃 运行指标记录
// =============================================================================

// RecordRun 记录一次工作流运行
func (c *Collector) RecordRun(graph, status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(graph, status).Inc()
	c.runDuration.WithLabelValues(graph).Observe(duration.Seconds())
}

// =============================================================================
// 🧩 节点指标记录
// =============================================================================

// RecordNodeExecution 记录节点调用
func (c *Collector) RecordNodeExecution(nodeID, kind, status string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(nodeID, kind, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(nodeID, kind).Observe(duration.Seconds())
}

// RecordNodeRetry 记录节点重试
func (c *Collector) RecordNodeRetry(nodeID, kind string) {
	c.nodeRetriesTotal.WithLabelValues(nodeID, kind).Inc()
}

// RecordNodeSkipped 记录被路由跳过的节点
func (c *Collector) RecordNodeSkipped(nodeID string) {
	c.nodesSkippedTotal.WithLabelValues(nodeID).Inc()
}

// =============================================================================
// 🔁 循环指标记录
// =============================================================================

// RecordCycleIteration 记录一次循环迭代
func (c *Collector) RecordCycleIteration(group string, duration time.Duration) {
	c.cycleIterationsTotal.WithLabelValues(group).Inc()
	c.cycleIterationDuration.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordCycleOutcome 记录循环组的终态
func (c *Collector) RecordCycleOutcome(group, outcome string) {
	c.cycleOutcomesTotal.WithLabelValues(group, outcome).Inc()
}

// RecordConvergenceCheck 记录收敛判定
func (c *Collector) RecordConvergenceCheck(group, result string) {
	c.convergenceChecksTotal.WithLabelValues(group, result).Inc()
}

// =============================================================================
// 💾 快照指标记录
// =============================================================================

// RecordSnapshotOp 记录快照存储操作
func (c *Collector) RecordSnapshotOp(backend, operation, status string, duration time.Duration) {
	c.snapshotOpsTotal.WithLabelValues(backend, operation, status).Inc()
	c.snapshotOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}
