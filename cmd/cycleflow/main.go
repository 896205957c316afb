// =============================================================================
// CycleFlow 主入口
// =============================================================================
// 命令行入口：加载图定义并执行，或校验图结构
//
// 使用方法:
//
//	cycleflow run --graph flow.yaml                 # 执行工作流
//	cycleflow run --graph flow.yaml --params p.json # 附带初始参数
//	cycleflow run --graph flow.yaml --config c.yaml # 使用配置文件
//	cycleflow validate --graph flow.yaml            # 仅做结构校验
//	cycleflow version                               # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/cycleflow/config"
	"github.com/BaSui01/cycleflow/engine"
	"github.com/BaSui01/cycleflow/engine/history"
	"github.com/BaSui01/cycleflow/graph"
	"github.com/BaSui01/cycleflow/internal/metrics"
	"github.com/BaSui01/cycleflow/internal/telemetry"
	"github.com/BaSui01/cycleflow/node"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "validate":
		os.Exit(validateCommand(os.Args[2:]))
	case "version":
		fmt.Printf("cycleflow %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`cycleflow - cyclic workflow execution engine

Usage:
  cycleflow run --graph <file> [--params <file>] [flags]   execute a workflow
  cycleflow validate --graph <file>                        validate a graph definition
  cycleflow version                                        print version information

Run flags:
  --graph <file>        graph definition (.yaml/.yml/.json)
  --params <file>       initial run parameters, JSON {node: {field: value}}
  --config <file>       runner configuration (YAML, env prefix CYCLEFLOW)
  --concurrency <n>     parallel branch limit (overrides config)
  --max-iterations <n>  default cycle iteration cap (overrides config)
  --timeout <dur>       overall run timeout (overrides config)
  --metrics             register Prometheus metrics
  --verbose             debug logging`)
}

// =============================================================================
// 🏃 run 子命令
// =============================================================================

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	graphPath := fs.String("graph", "", "graph definition file")
	paramsPath := fs.String("params", "", "initial parameters file (JSON)")
	configPath := fs.String("config", "", "runner configuration file (YAML)")
	concurrency := fs.Int("concurrency", 0, "parallel branch limit")
	maxIterations := fs.Int("max-iterations", 0, "default cycle iteration cap")
	timeout := fs.Duration("timeout", 0, "overall run timeout")
	withMetrics := fs.Bool("metrics", false, "register Prometheus metrics")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config failed: %v\n", err)
		return 1
	}
	applyFlagOverrides(fs, cfg, *concurrency, *maxIterations, *timeout, *withMetrics, *verbose)

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if *graphPath == "" {
		logger.Error("missing required flag --graph")
		return 1
	}

	def, err := graph.LoadFile(*graphPath)
	if err != nil {
		logger.Error("loading graph failed", zap.String("path", *graphPath), zap.Error(err))
		return 1
	}
	g, err := def.ToGraph()
	if err != nil {
		logger.Error("invalid graph", zap.String("path", *graphPath), zap.Error(err))
		return 1
	}

	params, err := loadParams(*paramsPath)
	if err != nil {
		logger.Error("loading parameters failed", zap.String("path", *paramsPath), zap.Error(err))
		return 1
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("initializing telemetry failed", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxConcurrency(cfg.Executor.MaxConcurrency),
		engine.WithMaxIterations(cfg.Executor.MaxIterations),
	}
	if cfg.Executor.MetricsNamespace != "" {
		opts = append(opts, engine.WithMetrics(metrics.NewCollector(cfg.Executor.MetricsNamespace, logger)))
	}
	snapshots, err := newSnapshotStore(cfg.Snapshot)
	if err != nil {
		logger.Error("building snapshot store failed", zap.Error(err))
		return 1
	}
	if snapshots != nil {
		opts = append(opts, engine.WithSnapshotStore(snapshots))
	}
	exec := engine.New(node.Builtin(), opts...)

	var runs *history.Store
	if cfg.History.Enabled {
		runs, err = newHistoryStore(cfg.History, logger)
		if err != nil {
			logger.Error("opening history store failed", zap.Error(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Executor.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Executor.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	result, runErr := exec.Execute(ctx, g, params)
	if result == nil {
		logger.Error("run rejected", zap.Error(runErr))
		return 1
	}

	if runs != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := runs.Record(recordCtx, result); err != nil {
			logger.Warn("recording run history failed", zap.Error(err))
		}
		cancel()
	}

	printResult(result)
	if runErr != nil {
		logger.Error("run failed",
			zap.String("run_id", result.RunID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(runErr))
		return 1
	}
	logger.Info("run finished",
		zap.String("run_id", result.RunID),
		zap.Duration("duration", time.Since(start)))
	return 0
}

// applyFlagOverrides lets explicitly set CLI flags win over the config file.
func applyFlagOverrides(fs *flag.FlagSet, cfg *config.Config, concurrency, maxIterations int, timeout time.Duration, withMetrics, verbose bool) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["concurrency"] && concurrency > 0 {
		cfg.Executor.MaxConcurrency = concurrency
	}
	if set["max-iterations"] && maxIterations > 0 {
		cfg.Executor.MaxIterations = maxIterations
	}
	if set["timeout"] {
		cfg.Executor.RunTimeout = timeout
	}
	if set["metrics"] && withMetrics && cfg.Executor.MetricsNamespace == "" {
		cfg.Executor.MetricsNamespace = "cycleflow"
	}
	if set["verbose"] && verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}
}

// =============================================================================
// ✅ validate 子命令
// =============================================================================

func validateCommand(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	graphPath := fs.String("graph", "", "graph definition file")
	_ = fs.Parse(args)

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag --graph")
		return 1
	}

	def, err := graph.LoadFile(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	g, err := def.ToGraph()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %d nodes, %d edges\n", len(g.NodeIDs()), len(g.Edges()))
	return 0
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Format
	zc.DisableCaller = !cfg.EnableCaller
	return zc.Build()
}

func newSnapshotStore(cfg config.SnapshotConfig) (engine.SnapshotStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return engine.NewMemorySnapshotStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return engine.NewRedisSnapshotStore(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

func newHistoryStore(cfg config.HistoryConfig, logger *zap.Logger) (*history.Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return history.NewStore(db, logger)
}

func loadParams(path string) (map[string]map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var params map[string]map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func printResult(result *engine.RunResult) {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding result failed: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
