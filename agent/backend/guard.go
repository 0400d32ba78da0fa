package backend

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/a2aflow/types"
)

// GuardConfig bounds every backend call.
type GuardConfig struct {
	// CallTimeout bounds short calls (upload, create, top model, metrics).
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// AutopilotTimeout bounds RunAutopilot.
	AutopilotTimeout time.Duration `yaml:"autopilot_timeout" json:"autopilot_timeout"`

	// RatePerSecond limits calls per second. Zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`

	// Burst is the limiter bucket size.
	Burst int `yaml:"burst" json:"burst"`

	// Breaker opens after repeated failures. A zero FailureThreshold
	// disables it.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultGuardConfig returns the default guard configuration
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:      30 * time.Second,
		AutopilotTimeout: 30 * time.Minute,
		RatePerSecond:    0,
		Burst:            1,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenProbes:   1,
		},
	}
}

// CallObserver receives the outcome of every guarded call.
type CallObserver interface {
	ObserveBackendCall(op string, duration time.Duration, err error)
}

// Guard wraps a Backend with per-call deadlines, rate limiting, a circuit
// breaker and structured BACKEND errors.
type Guard struct {
	inner    Backend
	cfg      GuardConfig
	limiter  *rate.Limiter
	breaker  *Breaker
	observer CallObserver
	logger   *zap.Logger
}

// NewGuard wraps inner. observer may be nil.
func NewGuard(inner Backend, cfg GuardConfig, observer CallObserver, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	logger = logger.With(zap.String("component", "backend_guard"))
	return &Guard{
		inner:    inner,
		cfg:      cfg,
		limiter:  limiter,
		breaker:  NewBreaker(cfg.Breaker, logger),
		observer: observer,
		logger:   logger,
	}
}

// Upload implements Backend.
func (g *Guard) Upload(ctx context.Context, datasetPath string) (DatasetHandle, error) {
	var h DatasetHandle
	err := g.call(ctx, OpUpload, g.cfg.CallTimeout, func(ctx context.Context) (err error) {
		h, err = g.inner.Upload(ctx, datasetPath)
		return err
	})
	return h, err
}

// CreateProject implements Backend.
func (g *Guard) CreateProject(ctx context.Context, dataset DatasetHandle, targetFeature string) (ProjectHandle, error) {
	var p ProjectHandle
	err := g.call(ctx, OpCreateProject, g.cfg.CallTimeout, func(ctx context.Context) (err error) {
		p, err = g.inner.CreateProject(ctx, dataset, targetFeature)
		return err
	})
	return p, err
}

// RunAutopilot implements Backend.
func (g *Guard) RunAutopilot(ctx context.Context, project ProjectHandle) error {
	return g.call(ctx, OpRunAutopilot, g.cfg.AutopilotTimeout, func(ctx context.Context) error {
		return g.inner.RunAutopilot(ctx, project)
	})
}

// TopModel implements Backend.
func (g *Guard) TopModel(ctx context.Context, project ProjectHandle) (ModelID, error) {
	var m ModelID
	err := g.call(ctx, OpTopModel, g.cfg.CallTimeout, func(ctx context.Context) (err error) {
		m, err = g.inner.TopModel(ctx, project)
		return err
	})
	return m, err
}

// BreakerState returns the state of the circuit breaker.
func (g *Guard) BreakerState() BreakerState {
	return g.breaker.State()
}

// ModelMetrics implements MetricsReporter. A nil map without error means
// the wrapped backend does not report metrics.
func (g *Guard) ModelMetrics(ctx context.Context, model ModelID) (map[string]float64, error) {
	reporter, ok := g.inner.(MetricsReporter)
	if !ok {
		return nil, nil
	}
	var metrics map[string]float64
	err := g.call(ctx, OpModelMetrics, g.cfg.CallTimeout, func(ctx context.Context) (err error) {
		metrics, err = reporter.ModelMetrics(ctx, model)
		return err
	})
	return metrics, err
}

func (g *Guard) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := g.run(ctx, op, timeout, fn)
	if g.observer != nil {
		g.observer.ObserveBackendCall(op, time.Since(start), err)
	}
	if err != nil {
		g.logger.Warn("backend call failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (g *Guard) run(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return types.Errorf(types.ErrBackend, "%s: rate limit wait", op).WithCause(err)
		}
	}
	if !g.breaker.Allow() {
		return types.Errorf(types.ErrBackend, "%s: backend circuit open", op).WithRetryable(true)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(ctx)
	// 调用方取消不计入熔断，但要归还半开探测名额
	if err == nil || ctx.Err() != context.Canceled {
		g.breaker.Record(err == nil)
	} else {
		g.breaker.Release()
	}
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Code == types.ErrBackend {
			return err
		}
		retryable := ctx.Err() == context.DeadlineExceeded
		return types.Errorf(types.ErrBackend, "%s failed", op).WithCause(err).WithRetryable(retryable)
	}
	return nil
}
