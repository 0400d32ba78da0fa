// =============================================================================
// a2aflow 主入口
// =============================================================================
// 使用方法:
//
//	a2aflow serve                                        # 启动服务
//	a2aflow serve --config config.yaml                   # 指定配置文件
//	a2aflow run --dataset raw/churn.csv --target churned # 本地执行一次流水线
//	a2aflow version                                      # 显示版本信息
//	a2aflow health                                       # 健康检查
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/a2aflow"
	"github.com/BaSui01/a2aflow/config"
	"github.com/BaSui01/a2aflow/internal/metrics"
	"github.com/BaSui01/a2aflow/internal/telemetry"
	"github.com/BaSui01/a2aflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "run":
		err = runPipeline(os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting a2aflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector("a2aflow", logger)
	sys, err := a2aflow.New(
		a2aflow.WithConfig(cfg),
		a2aflow.WithLogger(logger),
		a2aflow.WithMetrics(collector),
	)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return err
	}

	srv := NewServer(cfg, sys, collector, providers, logger)
	if err := srv.Start(); err != nil {
		_ = sys.Close(context.Background())
		_ = providers.Shutdown(context.Background())
		return err
	}
	return srv.Wait(ctx)
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

func runPipeline(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dataset := fs.String("dataset", "", "Raw dataset path")
	target := fs.String("target", "", "Target feature to predict")
	params := fs.String("params", "", "Training parameters as a JSON object")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	req := workflow.Request{DatasetPath: *dataset, TargetFeature: *target}
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &req.Params); err != nil {
			return fmt.Errorf("parse --params: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := a2aflow.New(a2aflow.WithConfig(cfg), a2aflow.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close(context.Background()) }()

	res, runErr := sys.Run(ctx, req)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness instead of liveness")
	_ = fs.Parse(args)

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "a2aflow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `a2aflow - message-routed ML training workflow

Usage:
  a2aflow <command> [options]

Commands:
  serve     Start the HTTP server
  run       Run one pipeline in-process and print the result
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --dataset <path>    Raw dataset path
  --target <feature>  Target feature
  --params <json>     Training parameters, e.g. '{"max_depth":6}'

Options for 'health':
  --addr <url>        Server address (default http://localhost:8080)
  --ready             Check /ready instead of /health

Examples:
  a2aflow serve --config /etc/a2aflow/config.yaml
  a2aflow run --dataset raw/churn.csv --target churned
  a2aflow health --addr http://localhost:8080 --ready`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
