// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

/*
Package graph 提供带反馈环的工作流图模型。

# 概述

graph 包定义节点、边与边上元数据（字段映射、cycle 标记、循环控制），
并在 Validate/Analyze 中完成结构校验：剥离 cycle 边后的前向骨架必须无环，
每条 cycle 边必须是某个环的真实回边，每个环恰好有一条被标记的闭合边。
环成员关系由拓扑推导，无需逐边标记。

# 核心类型

  - Graph          — 图模型，AddNode / AddEdge / Validate / Analyze
  - NodeSpec       — 节点声明（id、kind、静态配置、可选超时）
  - EdgeSpec       — 边声明（映射列表、IsCycle、Port、CycleControls）
  - CycleControls  — 循环控制（max_iterations、timeout、收敛表达式/回调）
  - CycleGroup     — 由闭合边推导出的环成员集合（含组内拓扑序）
  - Topology       — 凝缩后的调度计划（环组压缩为单元 + 单元拓扑序）
  - Mapping        — 生产者输出字段到消费者输入名的映射规则
  - Definition     — JSON / YAML 可序列化的图定义

# 映射解析

ResolveMappings 以点号路径从结构化输出中取值，纯函数、全有或全无；
缺失的必需路径返回 MISSING_MAPPING_FIELD 错误并指明字段与目标。
*/
package graph
