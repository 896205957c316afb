// Copyright (c) CycleFlow Authors.
// Licensed under the MIT License.

/*
Package node 定义节点调用契约与运行期上下文。

# 调用契约

每个节点类型实现 Invoker（或用 InvokerFunc 包装函数）：输入是合并后的
Invocation（静态配置 + 解析后的输入 + 运行上下文 + 循环状态访问器），
输出是 Result（结构化 outputs、写入下一轮的 state、本次点亮的端口）。
节点不直接读图结构，也不主动拉取其他节点的输出。

# 循环状态

StateAccessor 按 (环组, 节点) 维度隔离：Previous 读上一轮迭代写入的
字段，Set 暂存本轮字段。字段解析优先级为 显式 state > 环内传播输入 >
初始运行参数，由 ExecutionContext 统一裁决。

# 内置节点

Builtin() 注册 source / sink / passthrough / code / router / merge 六种
类型。router 支持单谓词（true_output / false_output）与有序 cases
（case_<label> / default，first-match-wins）两种配置。
*/
package node
