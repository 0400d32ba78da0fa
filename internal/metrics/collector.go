// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/types"
	"github.com/BaSui01/a2aflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 路由与任务指标
	messagesRouted  *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec

	// 后端指标
	backendCallsTotal   *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec

	// 流水线指标
	pipelineRunsTotal *prometheus.CounterVec
	retrainCycles     prometheus.Histogram

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 路由与任务指标
	c.messagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Total number of messages delivered by the router",
		},
		[]string{"receiver", "verb", "error"},
	)

	c.taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task state transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)

	c.tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal state",
		},
		[]string{"agent_id", "state", "error"},
	)

	// 后端指标
	c.backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Total number of training backend calls",
		},
		[]string{"op", "status"},
	)

	c.backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Training backend call duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"op"},
	)

	// 流水线指标
	c.pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	c.retrainCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_retrain_cycles",
			Help:      "Retrain cycles per finished pipeline run",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 路由与任务指标记录
// =============================================================================

// RecordRouted 记录一次消息投递，code 为空表示成功
func (c *Collector) RecordRouted(receiver, verb, code string) {
	c.messagesRouted.WithLabelValues(receiver, verb, errorLabel(code)).Inc()
}

// RecordTransition 记录任务状态转换
func (c *Collector) RecordTransition(agentID, from, to, code string) {
	c.taskTransitions.WithLabelValues(agentID, from, to).Inc()
	switch to {
	case "COMPLETED", "FAILED", "CANCELED":
		c.tasksFinished.WithLabelValues(agentID, to, errorLabel(code)).Inc()
	}
}

// Subscribe 订阅事件总线上的迁移与路由事件，返回订阅 ID
func (c *Collector) Subscribe(bus events.Bus) []string {
	transitions := bus.Subscribe(events.EventTaskTransition, func(ev events.Event) {
		te, ok := ev.(*events.TransitionEvent)
		if !ok {
			return
		}
		code := ""
		if te.Error != nil {
			code = string(te.Error.Code)
		}
		c.RecordTransition(te.AgentID, string(te.From), string(te.To), code)
	})
	routes := bus.Subscribe(events.EventMessageRouted, func(ev events.Event) {
		re, ok := ev.(*events.RoutedEvent)
		if !ok {
			return
		}
		c.RecordRouted(re.Receiver, string(re.Verb), re.Error)
	})
	return []string{transitions, routes}
}

// =============================================================================
// 🧮 后端与流水线指标记录
// =============================================================================

// ObserveBackendCall implements backend.CallObserver.
func (c *Collector) ObserveBackendCall(op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.backendCallsTotal.WithLabelValues(op, status).Inc()
	c.backendCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObservePipeline implements workflow.Observer.
func (c *Collector) ObservePipeline(res *workflow.Result, err error) {
	outcome := "approved"
	if err != nil {
		outcome = "failed"
		if types.IsCode(err, types.ErrRetryLimitExceeded) {
			outcome = "retry_limit"
		}
	}
	c.pipelineRunsTotal.WithLabelValues(outcome).Inc()
	if res != nil && res.Review != nil {
		c.retrainCycles.Observe(float64(res.RetrainCycles))
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func errorLabel(code string) string {
	if code == "" {
		return "none"
	}
	return code
}
