// Package pool provides a bounded goroutine pool for fire-and-forget work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// PanicHandler receives recovered panics. Optional.
	PanicHandler func(any) `yaml:"-" json:"-"`
	// ErrorHandler receives task errors. Optional.
	ErrorHandler func(error) `yaml:"-" json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  16,
		QueueSize:   1024,
		IdleTimeout: 30 * time.Second,
	}
}

type queued struct {
	ctx  context.Context
	task Task
}

// GoroutinePool runs submitted tasks on at most MaxWorkers goroutines.
// Workers are started on demand and retire after IdleTimeout, except the
// last one.
type GoroutinePool struct {
	cfg GoroutinePoolConfig

	mu     sync.RWMutex // guards queue against send-after-close
	queue  chan queued
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	active  atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewGoroutinePool creates a pool. Non-positive sizes fall back to defaults.
func NewGoroutinePool(cfg GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{
		cfg:   cfg,
		queue: make(chan queued, cfg.QueueSize),
	}
}

// Submit queues task without waiting for it. It fails fast with
// ErrPoolFull when the queue is full and ErrPoolClosed after Close.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	select {
	case p.queue <- queued{ctx: ctx, task: task}:
		p.spawn()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) spawn() {
	for {
		n := p.workers.Load()
		if n >= int32(p.cfg.MaxWorkers) {
			return
		}
		if int(n) >= len(p.queue)+int(p.active.Load()) && n > 0 {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case q, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			err := p.execute(q)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
				if p.cfg.ErrorHandler != nil {
					p.cfg.ErrorHandler(err)
				}
			} else {
				p.completed.Add(1)
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			// the last worker never retires while the pool is open
			if n := p.workers.Load(); n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) execute(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := q.ctx.Err(); err != nil {
		return err
	}
	return q.task(q.ctx)
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
