package backend

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 拒绝所有调用
	BreakerOpen
	// BreakerHalfOpen 放行有限的探测调用
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables it.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// HalfOpenProbes is the number of calls let through while half-open.
	HalfOpenProbes int `yaml:"half_open_probes" json:"half_open_probes"`
}

// Breaker stops calling a backend that keeps failing.
type Breaker struct {
	cfg    BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probes   int
}

// NewBreaker creates a breaker. It returns nil when cfg.FailureThreshold is
// not positive; a nil *Breaker allows every call.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		return nil
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, now: time.Now, logger: logger}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probes = 1
		return true
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.transition(BreakerClosed)
		}
		return
	}
	b.failures++
	// 半开状态下任何失败都重新熔断
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// Release returns a call's half-open probe slot without recording an
// outcome. Calls abandoned by their caller use it so the breaker can probe
// again.
func (b *Breaker) Release() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// 必须在锁内调用
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Info("backend breaker state change",
		zap.String("old_state", b.state.String()),
		zap.String("new_state", to.String()),
		zap.Int("failures", b.failures))
	b.state = to
	if to != BreakerHalfOpen {
		b.probes = 0
	}
}
