// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
运行、节点、循环与快照四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 主要能力

  - 运行指标：运行总数与运行耗时，按 graph/status 分组。
  - 节点指标：调用总数、调用耗时、重试次数、路由跳过计数，
    按 node_id/kind/status 分组。
  - 循环指标：迭代总数、迭代耗时、收敛判定计数、循环终态
    （converged/exhausted/timeout/failed），按 group 分组。
  - 快照指标：快照存取操作计数与耗时，按 backend/operation 分组。
*/
package metrics
