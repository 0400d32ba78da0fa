package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/internal/database"
	"github.com/BaSui01/a2aflow/internal/pool"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// ErrDegraded marks a component that still serves requests with reduced
// capability. /ready stays 200 and reports "degraded".
var ErrDegraded = errors.New("degraded")

// Details 组件检查返回的状态详情
type Details map[string]any

// HealthCheck reports the status of one engine component.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) (Details, error)
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy / degraded / unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个组件的检查结果
type CheckResult struct {
	Status  string  `json:"status"` // pass / warn / fail
	Message string  `json:"message,omitempty"`
	Latency string  `json:"latency,omitempty"`
	Details Details `json:"details,omitempty"`
}

// HealthHandler serves liveness, readiness and version.
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: 5 * time.Second,
	}
}

// RegisterCheck 注册组件检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 与 /healthz（存活探针，只检查进程在运行）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady runs every component check concurrently. Any failure makes the
// service unhealthy (503); ErrDegraded results only mark it degraded.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name()] = res
		switch {
		case res.Status == "fail":
			status.Status = "unhealthy"
		case res.Status == "warn" && status.Status == "healthy":
			status.Status = "degraded"
		}
	}

	if status.Status == "unhealthy" {
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	details, err := check.Check(ctx)
	latency := time.Since(start)

	res := CheckResult{Status: "pass", Latency: latency.String(), Details: details}
	if err == nil {
		return res
	}
	res.Message = err.Error()
	if errors.Is(err, ErrDegraded) {
		res.Status = "warn"
		return res
	}
	res.Status = "fail"
	h.logger.Warn("health check failed",
		zap.String("check", check.Name()),
		zap.Error(err),
		zap.Duration("latency", latency),
	)
	return res
}

// VersionInfo 版本信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HandleVersion 返回 /version 处理器
func (h *HealthHandler) HandleVersion(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 组件检查
// =============================================================================

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) (Details, error)
}

// NewCheck 创建组件检查
func NewCheck(name string, fn func(ctx context.Context) (Details, error)) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string { return c.name }

func (c *CheckFunc) Check(ctx context.Context) (Details, error) { return c.fn(ctx) }

// RouterStatus is the router view the readiness check needs.
type RouterStatus interface {
	Closed() bool
	Agents() []string
	EventStats() pool.GoroutinePoolStats
}

// RouterCheck fails once the router is closed and reports bound agents and
// the EVENT pool backlog.
func RouterCheck(r RouterStatus) *CheckFunc {
	return NewCheck("router", func(context.Context) (Details, error) {
		stats := r.EventStats()
		details := Details{
			"agents":        r.Agents(),
			"event_workers": stats.Workers,
			"event_queued":  stats.Queued,
			"event_dropped": stats.Rejected,
		}
		if r.Closed() {
			return details, errors.New("router is closed")
		}
		return details, nil
	})
}

// StoreCheck pings the task store and counts tasks currently WORKING.
func StoreCheck(store persistence.TaskStore, kind string) *CheckFunc {
	return NewCheck("task_store", func(ctx context.Context) (Details, error) {
		details := Details{"type": kind}
		if err := store.Ping(ctx); err != nil {
			return details, err
		}
		working, err := store.List(ctx, persistence.TaskFilter{States: []persistence.TaskState{persistence.StateWorking}})
		if err != nil {
			return details, err
		}
		details["working"] = len(working)
		return details, nil
	})
}

// JournalStatus is the journal view the readiness check needs.
type JournalStatus interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Stats() database.PoolStats
}

// JournalCheck pings the transition journal and reports its size and
// connection pool usage.
func JournalCheck(j JournalStatus) *CheckFunc {
	return NewCheck("journal", func(ctx context.Context) (Details, error) {
		stats := j.Stats()
		details := Details{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
		}
		if err := j.Ping(ctx); err != nil {
			return details, err
		}
		n, err := j.Count(ctx)
		if err != nil {
			return details, err
		}
		details["transitions"] = n
		return details, nil
	})
}

// BackendCheck reports the breaker state of the guarded backend. An open
// breaker degrades the service: status queries still work, new training
// calls fail fast.
func BackendCheck(state func() backend.BreakerState) *CheckFunc {
	return NewCheck("backend", func(context.Context) (Details, error) {
		st := state()
		details := Details{"breaker": st.String()}
		if st == backend.BreakerOpen {
			return details, fmt.Errorf("%w: circuit breaker is %s", ErrDegraded, st)
		}
		return details, nil
	})
}
