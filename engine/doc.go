// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

/*
Package engine 驱动带反馈环的工作流执行。

# 调度模型

图在执行前凝缩：每个环组折叠为单个调度单元，单元间按拓扑序
以依赖波次推进，同一波次的独立分支在有界工作池上并发执行
（并发度 1 即完全串行）。环组内部迭代严格串行，组内成员按
组内拓扑序逐一调用。

# 循环终止

每轮迭代结束后先做收敛判定，再检查迭代上限，因此在最后一轮
收敛的组记为 converged 而非 exhausted。迭代耗尽是软终止：
最后一轮输出照常流向下游。时间预算默认硬超时（CYCLE_TIMEOUT），
SoftTimeout 降级为记录状态。收敛表达式求值失败仅告警，
最后一轮失败则升级为 CONVERGENCE_EVALUATION 错误。

# 失败语义

节点失败使其下游被污染并跳过，独立分支继续执行；路由未点亮
的端口使仅经由该端口可达的节点被跳过，二者在结果中都记为
skipped，绝不记为 completed。

# 可观测与持久化

zap 结构化日志、Prometheus 指标、otel span、结构化事件流
（Sink）贯穿每次调用与迭代边界。配置 SnapshotStore（内存或
Redis）后，引擎在单元完成与迭代边界落盘快照，Resume 可从
快照继续执行。
*/
package engine
