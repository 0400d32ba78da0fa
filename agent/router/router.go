package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/discovery"
	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/internal/ctxkeys"
	"github.com/BaSui01/a2aflow/internal/pool"
	"github.com/BaSui01/a2aflow/types"
)

// Dispatcher delivers a message to one agent. *capability.Dispatcher
// implements it.
type Dispatcher interface {
	Deliver(ctx context.Context, msg *a2a.Message) (*capability.Result, error)
}

// Config configures a Router.
type Config struct {
	// MaxForwardDepth bounds the chain of synchronously forwarded CALLs.
	MaxForwardDepth int `yaml:"max_forward_depth" json:"max_forward_depth"`

	// EventPool runs EVENT follow-ons.
	EventPool pool.GoroutinePoolConfig `yaml:"event_pool" json:"event_pool"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MaxForwardDepth: 8,
		EventPool:       pool.GoroutinePoolConfig{MaxWorkers: 8, QueueSize: 1024, IdleTimeout: 30 * time.Second},
	}
}

// Hop is one synchronously forwarded message and what it produced.
type Hop struct {
	Depth   int                `json:"depth"`
	Message *a2a.Message       `json:"message"`
	Result  *capability.Result `json:"result,omitempty"`
	Err     error              `json:"-"`
}

// Reply is the outcome of routing one message.
type Reply struct {
	// Result is the answer of the addressed agent.
	Result *capability.Result `json:"result"`
	// Hops lists forwarded CALLs in depth-first order.
	Hops []Hop `json:"hops,omitempty"`
	// Emitted lists every follow-on produced along the chain, EVENTs included.
	Emitted []*a2a.Message `json:"emitted,omitempty"`
}

// Last returns the last hop delivered to agentID, or nil.
func (r *Reply) Last(agentID string) *Hop {
	for i := len(r.Hops) - 1; i >= 0; i-- {
		if r.Hops[i].Message.Receiver == agentID {
			return &r.Hops[i]
		}
	}
	return nil
}

// Halted reports whether a failed hop stopped the chain.
func (r *Reply) Halted() bool {
	for _, h := range r.Hops {
		if h.Err != nil || (h.Result != nil && h.Result.Failed()) {
			return true
		}
	}
	return false
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBus publishes a RoutedEvent for every delivered message.
func WithBus(bus events.Bus) Option {
	return func(r *Router) { r.bus = bus }
}

// Router resolves receivers, enforces capability support, invokes
// dispatchers and forwards follow-on messages.
type Router struct {
	cfg      Config
	registry *discovery.Registry
	events   *pool.GoroutinePool
	bus      events.Bus
	tracer   trace.Tracer
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Dispatcher
	closed   bool
	inflight sync.WaitGroup
}

// New creates a router over registry.
func New(registry *discovery.Registry, cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.MaxForwardDepth <= 0 {
		cfg.MaxForwardDepth = def.MaxForwardDepth
	}
	r := &Router{
		cfg:      cfg,
		registry: registry,
		tracer:   otel.Tracer("a2aflow/router"),
		logger:   zap.NewNop(),
		handlers: make(map[string]Dispatcher),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "router"))

	poolCfg := cfg.EventPool
	poolCfg.PanicHandler = func(v any) {
		r.logger.Error("event delivery panicked", zap.Any("recover", v))
	}
	poolCfg.ErrorHandler = func(err error) {
		r.logger.Warn("event delivery failed", zap.Error(err))
	}
	r.events = pool.NewGoroutinePool(poolCfg)
	return r
}

// Handle binds a dispatcher to a registered agent id.
func (r *Router) Handle(agentID string, d Dispatcher) error {
	if _, err := r.registry.Resolve(agentID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[agentID]; ok {
		return types.Errorf(types.ErrDuplicateAgent, "dispatcher already bound for agent %s", agentID).WithAgent(agentID)
	}
	r.handlers[agentID] = d
	return nil
}

// Route delivers msg and forwards its follow-ons. CALL follow-ons are
// routed synchronously, depth first, in emission order; EVENT follow-ons
// go to the event pool and are never awaited. A failed hop stops the chain.
//
// Errors from the addressed agent or from any hop are returned together
// with the partial reply.
func (r *Router) Route(ctx context.Context, msg *a2a.Message) (*Reply, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, types.NewError(types.ErrUnavailable, "router is closed")
	}
	r.inflight.Add(1)
	r.mu.RUnlock()
	defer r.inflight.Done()

	if msg == nil {
		return nil, types.NewError(types.ErrInvalidMessage, "message is nil")
	}
	if err := msg.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidMessage, "invalid message").WithCause(err).WithTask(msg.TaskID)
	}

	ctx, span := r.tracer.Start(ctx, "route "+string(msg.Verb), trace.WithAttributes(
		attribute.String("a2a.sender", msg.Sender),
		attribute.String("a2a.receiver", msg.Receiver),
		attribute.String("a2a.verb", string(msg.Verb)),
	))
	defer span.End()

	reply := &Reply{}
	res, err := r.deliver(ctx, msg)
	reply.Result = res
	if err == nil && res != nil {
		err = r.forward(ctx, reply, res.FollowOns, 1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (r *Router) forward(ctx context.Context, reply *Reply, followOns []*a2a.Message, depth int) error {
	for _, next := range followOns {
		reply.Emitted = append(reply.Emitted, next.Clone())
		if next.Verb == a2a.VerbEvent {
			r.emit(ctx, next)
			continue
		}
		if depth > r.cfg.MaxForwardDepth {
			err := types.Errorf(types.ErrForwardLimit, "forward depth %d exceeds limit %d", depth, r.cfg.MaxForwardDepth).
				WithTask(next.TaskID).WithAgent(next.Receiver)
			reply.Hops = append(reply.Hops, Hop{Depth: depth, Message: next.Clone(), Err: err})
			return err
		}

		res, err := r.deliver(ctx, next)
		reply.Hops = append(reply.Hops, Hop{Depth: depth, Message: next.Clone(), Result: res, Err: err})
		if err != nil {
			return err
		}
		if res.Failed() {
			reqID, _ := ctxkeys.RequestID(ctx)
			r.logger.Info("chain halted by failed hop",
				zap.String("agent_id", next.Receiver),
				zap.String("task_id", res.TaskID),
				zap.String("request_id", reqID))
			return nil
		}
		if err := r.forward(ctx, reply, res.FollowOns, depth+1); err != nil {
			return err
		}
		if reply.Halted() {
			return nil
		}
	}
	return nil
}

// emit hands an EVENT to the pool. Delivery outlives the caller's context.
func (r *Router) emit(ctx context.Context, msg *a2a.Message) {
	detached := context.WithoutCancel(ctx)
	err := r.events.Submit(detached, func(ctx context.Context) error {
		_, err := r.deliver(ctx, msg)
		return err
	})
	if err != nil {
		r.logger.Warn("event dropped",
			zap.String("message_id", msg.ID),
			zap.String("receiver", msg.Receiver),
			zap.Error(err))
	}
}

// deliver resolves the receiver and invokes its dispatcher. Resolution
// failures are detected before any task state is touched.
func (r *Router) deliver(ctx context.Context, msg *a2a.Message) (*capability.Result, error) {
	if msg.TaskID == "" && needsTask(msg.Verb) {
		msg = msg.WithTaskID(uuid.New().String())
	}

	d, err := r.resolve(msg)
	if err != nil {
		r.publish(msg, nil, err)
		return nil, err
	}

	res, err := d.Deliver(ctx, msg)
	r.publish(msg, res, err)

	log := r.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("agent_id", msg.Receiver),
		zap.String("verb", string(msg.Verb)),
		zap.String("task_id", msg.TaskID))
	if err != nil {
		log.Info("delivery failed", zap.Error(err))
		return res, err
	}
	log.Debug("delivered", zap.String("state", string(res.State)), zap.Int("follow_ons", len(res.FollowOns)))
	return res, nil
}

func (r *Router) resolve(msg *a2a.Message) (Dispatcher, error) {
	desc, err := r.registry.Resolve(msg.Receiver)
	if err != nil {
		return nil, err
	}
	if !desc.Supports(msg.Verb) {
		return nil, types.Errorf(types.ErrUnsupportedVerb, "agent %s does not support verb %s", desc.ID, msg.Verb).
			WithAgent(desc.ID).WithTask(msg.TaskID)
	}
	r.mu.RLock()
	d, ok := r.handlers[desc.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrUnknownAgent, "no dispatcher bound for agent %s", desc.ID).
			WithAgent(desc.ID).WithTask(msg.TaskID)
	}
	return d, nil
}

// needsTask reports whether verb starts work that is tracked as a task.
func needsTask(verb a2a.Verb) bool {
	switch verb {
	case a2a.VerbEvent, a2a.VerbGetStatus, a2a.VerbCancel:
		return false
	default:
		return true
	}
}

func (r *Router) publish(msg *a2a.Message, res *capability.Result, err error) {
	if r.bus == nil {
		return
	}
	ev := &events.RoutedEvent{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Verb:      msg.Verb,
		TaskID:    msg.TaskID,
		At:        time.Now(),
	}
	if res != nil {
		ev.State = res.State
		if res.TaskID != "" {
			ev.TaskID = res.TaskID
		}
	}
	if err != nil {
		ev.Error = string(types.CodeOf(err))
	} else if res != nil && res.Error != nil {
		ev.Error = string(res.Error.Code)
	}
	r.bus.Publish(ev)
}

// Send routes msg on a new goroutine.
func (r *Router) Send(ctx context.Context, msg *a2a.Message) *Future {
	f := newFuture()
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		f.resolve(nil, types.NewError(types.ErrUnavailable, "router is closed"))
		return f
	}
	r.inflight.Add(1)
	r.mu.RUnlock()

	go func() {
		defer r.inflight.Done()
		f.resolve(r.Route(ctx, msg))
	}()
	return f
}

// Close stops accepting messages, waits for in-flight routes and drains
// the event pool.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.inflight.Wait()
	r.events.Close()
	r.logger.Info("router closed", zap.Any("event_pool", r.events.Stats()))
}

// EventStats returns statistics of the EVENT pool.
func (r *Router) EventStats() pool.GoroutinePoolStats {
	return r.events.Stats()
}

// Agents returns the ids that have a bound dispatcher, sorted.
func (r *Router) Agents() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Closed reports whether Close has been called.
func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
