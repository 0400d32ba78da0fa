// Package a2aflow assembles the message-routed training workflow: the agent
// registry, the task store and tracker, the router, the three built-in agents
// (dataprep, training, compliance) and the retrain pipeline.
//
// Usage:
//
//	sys, err := a2aflow.New(a2aflow.WithConfig(cfg), a2aflow.WithLogger(logger))
//	if err != nil { ... }
//	defer sys.Close(ctx)
//
//	res, err := sys.Run(ctx, workflow.Request{DatasetPath: "raw/churn.csv", TargetFeature: "churned"})
package a2aflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/backend"
	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/discovery"
	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/agent/router"
	"github.com/BaSui01/a2aflow/agents/compliance"
	"github.com/BaSui01/a2aflow/agents/dataprep"
	"github.com/BaSui01/a2aflow/agents/training"
	"github.com/BaSui01/a2aflow/config"
	"github.com/BaSui01/a2aflow/internal/database"
	"github.com/BaSui01/a2aflow/internal/metrics"
	"github.com/BaSui01/a2aflow/internal/pool"
	"github.com/BaSui01/a2aflow/workflow"
)

// Option configures [New].
type Option func(*options)

type options struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	backend   backend.Backend
	store     persistence.TaskStore
}

// WithConfig sets the configuration. The default is config.DefaultConfig().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics feeds bus events, backend calls and pipeline runs into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithBackend replaces the configured training backend. It is still
// wrapped in the guard.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithTaskStore replaces the configured task store. The system closes it.
func WithTaskStore(s persistence.TaskStore) Option {
	return func(o *options) { o.store = s }
}

// System is an assembled a2aflow instance.
type System struct {
	Config   *config.Config
	Registry *discovery.Registry
	Tracker  *persistence.Tracker
	Bus      *events.SimpleBus
	Router   *router.Router
	Pipeline *workflow.Pipeline
	Backend  *backend.Guard

	// Simulator is the unguarded simulator when the backend type is
	// "simulator" and no backend was injected.
	Simulator *backend.Simulator

	DataPrep   *dataprep.Agent
	Training   *training.Agent
	Compliance *compliance.Agent

	// Journal is nil unless the transition journal is enabled.
	Journal *persistence.GormJournal

	store     persistence.TaskStore
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// New assembles a System. On error everything opened so far is closed.
func New(opts ...Option) (sys *System, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.DefaultConfig()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg := o.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &System{
		Config:   cfg,
		Registry: discovery.NewRegistry(o.logger),
		Bus:      events.NewBus(cfg.Router.BusBufferSize, o.logger),
		logger:   o.logger.With(zap.String("component", "a2aflow")),
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	// 任务存储与状态迁移观察者
	s.store = o.store
	if s.store == nil {
		if s.store, err = persistence.NewTaskStore(StoreConfig(cfg.Store)); err != nil {
			return nil, fmt.Errorf("open task store: %w", err)
		}
	}
	observers := []persistence.TransitionObserver{s.Bus}
	if cfg.Journal.Enabled {
		if s.Journal, err = persistence.OpenJournal(JournalConfig(cfg.Journal), o.logger); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		observers = append(observers, s.Journal)
	}
	s.Tracker = persistence.NewTracker(s.store, o.logger, observers...)

	// 训练后端
	inner := o.backend
	if inner == nil {
		switch cfg.Backend.Type {
		case "http":
			inner = backend.NewHTTPClient(backend.HTTPConfig{
				BaseURL: cfg.Backend.BaseURL,
				Token:   cfg.Backend.Token,
				Timeout: cfg.Backend.AutopilotTimeout,
			}, o.logger)
		default:
			s.Simulator = backend.NewSimulator(backend.SimulatorConfig{
				Latency:      cfg.Backend.SimLatency,
				BiasSequence: cfg.Backend.SimBias,
			})
			inner = s.Simulator
		}
	}
	var observer backend.CallObserver
	var pipelineObserver workflow.Observer
	if o.collector != nil {
		observer = o.collector
		pipelineObserver = o.collector
		o.collector.Subscribe(s.Bus)
	}
	s.Backend = backend.NewGuard(inner, GuardConfig(cfg.Backend), observer, o.logger)

	// 内置 agent
	s.DataPrep = dataprep.New(dataprep.Config{ComplianceID: compliance.AgentID},
		dataprep.EncodingPreparer{Copy: cfg.Agents.CopyDatasets},
		dataprep.StaticDrift(cfg.Agents.SimulateDrift), o.logger)
	s.Training = training.New(training.Config{ReviewerID: compliance.AgentID}, s.Backend, o.logger)
	s.Compliance = compliance.New(compliance.Config{BiasThreshold: cfg.Agents.BiasThreshold}, s.Backend, o.logger)

	s.Router = router.New(s.Registry, RouterConfig(cfg.Router),
		router.WithLogger(o.logger), router.WithBus(s.Bus))

	base := strings.TrimRight(cfg.Router.EndpointBase, "/")
	agents := []struct {
		card  func(string) *a2a.AgentDescriptor
		id    string
		table capability.Table
	}{
		{dataprep.Card, dataprep.AgentID, s.DataPrep.Table()},
		{training.Card, training.AgentID, s.Training.Table()},
		{compliance.Card, compliance.AgentID, s.Compliance.Table()},
	}
	for _, a := range agents {
		if err := s.Register(a.card(base+"/"+a.id), a.table); err != nil {
			return nil, err
		}
	}

	pipeOpts := []workflow.Option{
		workflow.WithLogger(o.logger),
		workflow.WithPolicy(workflow.PolicyByName(cfg.Workflow.Policy, cfg.Workflow.ScaleParam, cfg.Workflow.ScaleFactor)),
	}
	if pipelineObserver != nil {
		pipeOpts = append(pipeOpts, workflow.WithObserver(pipelineObserver))
	}
	s.Pipeline = workflow.NewPipeline(s.Router, PipelineConfig(cfg.Workflow), pipeOpts...)

	s.logger.Info("a2aflow assembled",
		zap.Strings("agents", s.Router.Agents()),
		zap.String("store", cfg.Store.Type),
		zap.String("backend", cfg.Backend.Type),
		zap.Bool("journal", s.Journal != nil),
	)
	return s, nil
}

// Register adds an agent card and binds a dispatcher over table.
func (s *System) Register(card *a2a.AgentDescriptor, table capability.Table) error {
	if err := s.Registry.Register(card); err != nil {
		return err
	}
	d := capability.New(card.ID, table, s.Tracker, capability.WithLogger(s.logger))
	return s.Router.Handle(card.ID, d)
}

// Run executes one pipeline run.
func (s *System) Run(ctx context.Context, req workflow.Request) (*workflow.Result, error) {
	return s.Pipeline.Run(ctx, req)
}

// Store returns the task store.
func (s *System) Store() persistence.TaskStore {
	return s.store
}

// Close drains the router and the bus, then closes the journal and the
// store. It is idempotent.
func (s *System) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.Router != nil {
			s.Router.Close()
		}
		if s.Bus != nil {
			s.Bus.Stop()
		}
		var errs []error
		if s.Journal != nil {
			errs = append(errs, s.Journal.Close())
		}
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("a2aflow closed", zap.Error(s.closeErr))
	})
	return s.closeErr
}

// =============================================================================
// 配置转换
// =============================================================================

// StoreConfig converts the store section to a persistence.StoreConfig.
func StoreConfig(c config.StoreConfig) persistence.StoreConfig {
	out := persistence.DefaultStoreConfig()
	out.Type = persistence.StoreType(c.Type)
	out.Redis.Addr = c.Redis.Addr
	out.Redis.Password = c.Redis.Password
	out.Redis.DB = c.Redis.DB
	out.Redis.TLS = c.Redis.TLS
	if c.Redis.PoolSize > 0 {
		out.Redis.PoolSize = c.Redis.PoolSize
	}
	if c.Redis.KeyPrefix != "" {
		out.Redis.KeyPrefix = c.Redis.KeyPrefix
	}
	return out
}

// JournalConfig converts the journal section to a persistence.JournalConfig.
func JournalConfig(c config.JournalConfig) persistence.JournalConfig {
	return persistence.JournalConfig{
		Driver: c.Driver,
		DSN:    c.DSN,
		Pool: database.PoolConfig{
			MaxOpenConns:        c.MaxOpenConns,
			MaxIdleConns:        c.MaxIdleConns,
			ConnMaxLifetime:     c.ConnMaxLifetime,
			HealthCheckInterval: c.HealthCheckInterval,
		},
	}
}

// GuardConfig converts the backend section to a backend.GuardConfig.
func GuardConfig(c config.BackendConfig) backend.GuardConfig {
	out := backend.DefaultGuardConfig()
	out.CallTimeout = c.CallTimeout
	out.AutopilotTimeout = c.AutopilotTimeout
	out.RatePerSecond = c.RatePerSecond
	out.Burst = c.Burst
	out.Breaker.FailureThreshold = c.BreakerThreshold
	out.Breaker.RecoveryTimeout = c.BreakerRecovery
	return out
}

// RouterConfig converts the router section to a router.Config.
func RouterConfig(c config.RouterConfig) router.Config {
	out := router.DefaultConfig()
	out.MaxForwardDepth = c.MaxForwardDepth
	if c.EventWorkers > 0 || c.EventQueueSize > 0 {
		out.EventPool = pool.GoroutinePoolConfig{
			MaxWorkers:  c.EventWorkers,
			QueueSize:   c.EventQueueSize,
			IdleTimeout: out.EventPool.IdleTimeout,
		}
	}
	return out
}

// PipelineConfig converts the workflow section to a workflow.Config.
func PipelineConfig(c config.WorkflowConfig) workflow.Config {
	out := workflow.DefaultConfig()
	out.MaxRetries = c.MaxRetries
	out.BatchConcurrency = c.BatchConcurrency
	if c.Sender != "" {
		out.Sender = c.Sender
	}
	return out
}
