// Package config 提供 CycleFlow 运行器的配置管理功能。
//
// 覆盖日志、执行器、快照存储、运行历史与遥测五个配置段，
// 支持从 YAML 文件和环境变量加载，优先级为
// 默认值 → 文件 → 环境变量，加载后统一校验。
package config
