package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager runs one HTTP server and the shutdown hooks of the components
// behind it.
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	hooks  []func(context.Context) error
}

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时，长轮询的同步路由请求需要足够大
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

// NewManager 创建服务器管理器。name 用于日志区分 api 与 metrics 服务。
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		name:   name,
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// OnShutdown registers a hook run after the HTTP server stops accepting
// requests. Hooks run in reverse registration order.
func (m *Manager) OnShutdown(hook func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server %s is closed", m.name)
	}
	if m.listener != nil {
		return fmt.Errorf("server %s already started", m.name)
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)
	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown stops the server gracefully, then runs the shutdown hooks. It is
// idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	m.logger.Info("shutting down HTTP server")

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		errs = append(errs, err)
	}
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			m.logger.Error("shutdown hook failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("HTTP server stopped")
	return errors.Join(errs...)
}

// Wait blocks until ctx is done or the server fails, then shuts down.
// ctx is typically from signal.NotifyContext.
func (m *Manager) Wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested", zap.Error(context.Cause(ctx)))
	case serveErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(serveErr))
	}
	return errors.Join(serveErr, m.Shutdown(context.WithoutCancel(ctx)))
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr returns the bound address once started, else the configured one.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
