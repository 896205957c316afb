// =============================================================================
// 📦 CycleFlow 配置结构与默认值
// =============================================================================
// 运行器的完整配置：日志、执行器、快照、历史与遥测。
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 CycleFlow 运行器的完整配置
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Executor 执行器配置
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Snapshot 快照存储配置
	Snapshot SnapshotConfig `yaml:"snapshot" env:"SNAPSHOT"`

	// History 运行历史配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	// 同一波次内并发执行的最大节点数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 循环组未显式指定时的默认最大迭代次数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 整次运行的超时时间，0 表示不限制
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	// Prometheus 指标命名空间，留空则不注册指标
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
}

// SnapshotConfig 快照存储配置
type SnapshotConfig struct {
	// 后端类型: none, memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis 地址
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// Redis 密码
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// Redis 数据库编号
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// 快照保留时间，0 表示不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// HistoryConfig 运行历史配置
type HistoryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// SQLite 数据库路径，":memory:" 表示内存库
	Path string `yaml:"path" env:"PATH"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 默认值
// =============================================================================

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: true,
		},
		Executor: ExecutorConfig{
			MaxConcurrency: 8,
			MaxIterations:  100,
			RunTimeout:     0,
		},
		Snapshot: SnapshotConfig{
			Backend:   "none",
			RedisAddr: "localhost:6379",
			RedisDB:   0,
			TTL:       24 * time.Hour,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "cycleflow.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "cycleflow",
			SampleRate:   1.0,
		},
	}
}

// =============================================================================
// 🔍 验证
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	if c.Executor.MaxConcurrency <= 0 {
		errs = append(errs, "executor.max_concurrency must be positive")
	}
	if c.Executor.MaxIterations <= 0 {
		errs = append(errs, "executor.max_iterations must be positive")
	}
	if c.Executor.RunTimeout < 0 {
		errs = append(errs, "executor.run_timeout must not be negative")
	}

	switch c.Snapshot.Backend {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("invalid snapshot backend %q", c.Snapshot.Backend))
	}
	if c.Snapshot.Backend == "redis" && c.Snapshot.RedisAddr == "" {
		errs = append(errs, "snapshot.redis_addr is required for the redis backend")
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
