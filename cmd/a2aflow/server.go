package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow"
	"github.com/BaSui01/a2aflow/api/handlers"
	"github.com/BaSui01/a2aflow/config"
	"github.com/BaSui01/a2aflow/internal/metrics"
	"github.com/BaSui01/a2aflow/internal/server"
	"github.com/BaSui01/a2aflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server exposes an a2aflow System over HTTP. The API and Prometheus
// metrics listen on separate ports.
type Server struct {
	cfg       *config.Config
	sys       *a2aflow.System
	collector *metrics.Collector
	telemetry *telemetry.Providers
	logger    *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	health *handlers.HealthHandler
	stream *handlers.EventStreamHandler

	limiterCancel context.CancelFunc
}

// NewServer creates a server. collector and providers may be nil.
func NewServer(cfg *config.Config, sys *a2aflow.System, collector *metrics.Collector, providers *telemetry.Providers, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		sys:       sys,
		collector: collector,
		telemetry: providers,
		logger:    logger,
		health:    handlers.NewHealthHandler(logger),
		stream:    handlers.NewEventStreamHandler(sys.Bus, 0, logger),
	}

	s.health.RegisterCheck(handlers.RouterCheck(sys.Router))
	s.health.RegisterCheck(handlers.StoreCheck(sys.Store(), cfg.Store.Type))
	if sys.Journal != nil {
		s.health.RegisterCheck(handlers.JournalCheck(sys.Journal))
	}
	s.health.RegisterCheck(handlers.BackendCheck(sys.Backend.BreakerState))
	return s
}

// =============================================================================
// 🌐 路由
// =============================================================================

// Handler builds the API handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	sender := s.cfg.Workflow.Sender
	messages := handlers.NewMessageHandler(s.sys.Router, sender, s.cfg.Server.RouteTimeout, s.logger)
	tasks := handlers.NewTaskHandler(s.sys.Router, s.sys.Tracker, sender, s.logger)
	agents := handlers.NewAgentHandler(s.sys.Registry, s.sys.Router, s.logger)
	pipeline := handlers.NewPipelineHandler(s.sys.Pipeline, 0, s.logger)

	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealth)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(handlers.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}))

	// A2A 消息与任务
	mux.HandleFunc("POST /a2a/messages", messages.HandleRoute)
	mux.HandleFunc("POST /a2a/messages/async", messages.HandleSend)
	mux.HandleFunc("GET /a2a/tasks", tasks.HandleListTasks)
	mux.HandleFunc("GET /a2a/tasks/{id}", tasks.HandleGetTask)
	mux.HandleFunc("POST /a2a/tasks/{id}/cancel", tasks.HandleCancelTask)
	mux.HandleFunc("GET /a2a/agents", agents.HandleListAgents)
	mux.HandleFunc("GET /a2a/agents/{id}", agents.HandleGetAgent)

	// 流水线
	mux.HandleFunc("POST /a2a/pipeline/runs", pipeline.HandleRun)
	mux.HandleFunc("POST /a2a/pipeline/batches", pipeline.HandleBatch)

	// 事件流 (websocket)
	mux.HandleFunc("GET /a2a/events", s.stream.HandleStream)

	limiterCtx, cancel := context.WithCancel(context.Background())
	if s.limiterCancel != nil {
		s.limiterCancel()
	}
	s.limiterCancel = cancel

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
	}
	if s.collector != nil {
		chain = append(chain, MetricsMiddleware(s.collector))
	}
	chain = append(chain, RateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	return Chain(mux, chain...)
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start starts the API server and, when a metrics port is set, the metrics
// server. It does not block.
func (s *Server) Start() error {
	s.httpManager = server.NewManager("api", s.Handler(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	// hooks 逆序执行: 先停 metrics 与限流，再关闭 System，最后刷新遥测
	s.httpManager.OnShutdown(s.telemetry.Shutdown)
	s.httpManager.OnShutdown(s.sys.Close)
	s.httpManager.OnShutdown(func(context.Context) error {
		if s.limiterCancel != nil {
			s.limiterCancel()
		}
		return nil
	})

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager("metrics", mux, server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    s.cfg.Server.WriteTimeout,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		s.httpManager.OnShutdown(s.metricsManager.Shutdown)
	}

	if err := s.httpManager.Start(); err != nil {
		if s.metricsManager != nil {
			_ = s.metricsManager.Shutdown(context.Background())
		}
		return fmt.Errorf("start HTTP server: %w", err)
	}

	s.logger.Info("a2aflow server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Strings("agents", s.sys.Router.Agents()),
	)
	return nil
}

// Wait blocks until ctx is done or the API server fails, then shuts
// everything down.
func (s *Server) Wait(ctx context.Context) error {
	err := s.httpManager.Wait(ctx)
	s.logger.Info("graceful shutdown completed", zap.Error(err))
	return err
}

// Addr returns the bound API address.
func (s *Server) Addr() string {
	return s.httpManager.Addr()
}
