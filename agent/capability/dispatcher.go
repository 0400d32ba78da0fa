package capability

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// LocalSender is the sender used for messages synthesized by Handle.
const LocalSender = "local"

// Result is the dispatcher's answer to one message.
type Result struct {
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	State     persistence.TaskState  `json:"state,omitempty"`
	Notice    string                 `json:"notice,omitempty"`
	Artifacts a2a.Artifacts          `json:"artifacts"`
	Error     *persistence.TaskError `json:"error,omitempty"`
	FollowOns []*a2a.Message         `json:"follow_ons,omitempty"`
}

// Failed reports whether the result ended the task as FAILED.
func (r *Result) Failed() bool {
	return r.State == persistence.StateFailed
}

func resultFrom(rec *persistence.TaskRecord) *Result {
	return &Result{
		TaskID:    rec.ID,
		AgentID:   rec.AgentID,
		State:     rec.State,
		Notice:    rec.Notice,
		Artifacts: rec.Artifacts.Clone(),
		Error:     rec.Error,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithInboxSize bounds the number of EVENT messages kept in the inbox.
func WithInboxSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.inboxSize = n
		}
	}
}

// Dispatcher applies the task lifecycle contract to one agent's handlers.
type Dispatcher struct {
	agentID string
	table   Table
	tracker *persistence.Tracker
	logger  *zap.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	inboxMu   sync.Mutex
	inbox     []*a2a.Message
	inboxSize int
}

// New creates a dispatcher for agentID.
func New(agentID string, table Table, tracker *persistence.Tracker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		agentID:   agentID,
		table:     make(Table, len(table)),
		tracker:   tracker,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("a2aflow/capability"),
		cancels:   make(map[string]context.CancelFunc),
		inboxSize: 256,
	}
	for verb, h := range table {
		if verb == a2a.VerbGetStatus || verb == a2a.VerbCancel || h == nil {
			continue
		}
		d.table[verb] = h
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "dispatcher"), zap.String("agent_id", agentID))
	return d
}

// AgentID returns the agent this dispatcher serves.
func (d *Dispatcher) AgentID() string {
	return d.agentID
}

// Verbs returns every verb the dispatcher accepts, sorted.
func (d *Dispatcher) Verbs() []a2a.Verb {
	verbs := []a2a.Verb{a2a.VerbGetStatus, a2a.VerbCancel}
	for v := range d.table {
		verbs = append(verbs, v)
	}
	sort.Slice(verbs, func(i, j int) bool { return verbs[i] < verbs[j] })
	return verbs
}

// Handle serves verb for taskID with payload, synthesizing the inbound message.
func (d *Dispatcher) Handle(ctx context.Context, taskID string, verb a2a.Verb, payload a2a.Payload) (*Result, error) {
	return d.Deliver(ctx, a2a.NewMessage(LocalSender, d.agentID, verb, taskID, payload))
}

// Deliver serves an inbound message.
//
// A non-nil error is returned for VALIDATION and UNSUPPORTED_VERB failures
// (together with the FAILED result) and for store failures. Backend failures
// are reported only through the FAILED result.
func (d *Dispatcher) Deliver(ctx context.Context, msg *a2a.Message) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(msg.Verb),
		trace.WithAttributes(
			attribute.String("a2a.agent_id", d.agentID),
			attribute.String("a2a.verb", string(msg.Verb)),
			attribute.String("a2a.message_id", msg.ID),
		))
	defer span.End()

	res, err := d.deliver(ctx, msg)
	if res != nil {
		span.SetAttributes(
			attribute.String("a2a.task_id", res.TaskID),
			attribute.String("a2a.state", string(res.State)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (d *Dispatcher) deliver(ctx context.Context, msg *a2a.Message) (*Result, error) {
	switch msg.Verb {
	case a2a.VerbGetStatus:
		return d.status(ctx, msg.TaskID)
	case a2a.VerbCancel:
		return d.cancel(ctx, msg)
	case a2a.VerbEvent:
		return d.event(ctx, msg)
	}

	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
		msg = msg.WithTaskID(taskID)
	}

	h, ok := d.table[msg.Verb]
	if !ok {
		cause := types.Errorf(types.ErrUnsupportedVerb, "agent %s does not support verb %s", d.agentID, msg.Verb).
			WithTask(taskID).WithAgent(d.agentID)
		rec, err := d.tracker.Fail(ctx, d.agentID, taskID, msg, cause)
		if err != nil {
			return nil, err
		}
		res := resultFrom(rec)
		if rec.State == persistence.StateWorking {
			res.Notice = persistence.NoticeInProgress
		}
		return res, cause
	}
	return d.work(ctx, taskID, msg, h)
}

func (d *Dispatcher) status(ctx context.Context, taskID string) (*Result, error) {
	if taskID == "" {
		return nil, types.NewError(types.ErrValidation, "GET_STATUS requires a task id").WithAgent(d.agentID)
	}
	rec, err := d.tracker.Snapshot(ctx, d.agentID, taskID)
	if err != nil {
		return nil, err
	}
	return resultFrom(rec), nil
}

func (d *Dispatcher) cancel(ctx context.Context, msg *a2a.Message) (*Result, error) {
	if msg.TaskID == "" {
		return nil, types.NewError(types.ErrValidation, "CANCEL requires a task id").WithAgent(d.agentID)
	}
	rec, outcome, err := d.tracker.Cancel(ctx, d.agentID, msg.TaskID, msg)
	if err != nil {
		return nil, err
	}
	res := resultFrom(rec)
	switch outcome {
	case persistence.CancelPending:
		d.mu.Lock()
		cancel := d.cancels[msg.TaskID]
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		res.Notice = persistence.NoticeCancelRequested
	case persistence.CancelNoop:
		res.Notice = persistence.NoticeFinished
	}
	d.logger.Info("cancel requested", zap.String("task_id", msg.TaskID), zap.String("state", string(rec.State)))
	return res, nil
}

func (d *Dispatcher) event(ctx context.Context, msg *a2a.Message) (*Result, error) {
	d.inboxMu.Lock()
	d.inbox = append(d.inbox, msg.Clone())
	if over := len(d.inbox) - d.inboxSize; over > 0 {
		d.inbox = append(d.inbox[:0:0], d.inbox[over:]...)
	}
	d.inboxMu.Unlock()

	res := &Result{TaskID: msg.TaskID, AgentID: d.agentID, Artifacts: a2a.Artifacts{}}
	h, ok := d.table[a2a.VerbEvent]
	if !ok {
		return res, nil
	}
	inv := &Invocation{AgentID: d.agentID, TaskID: msg.TaskID, Verb: msg.Verb, Message: msg, Payload: msg.Payload.Clone()}
	if err := h.Validate(inv); err != nil {
		return res, types.WrapError(err, types.ErrValidation, "invalid event").WithAgent(d.agentID)
	}
	out, err := d.safeRun(ctx, h, inv)
	if err != nil {
		d.logger.Warn("event handler failed", zap.String("task_id", msg.TaskID), zap.Error(err))
		return res, err
	}
	if out != nil {
		res.Notice = out.Notice
		res.Artifacts = out.Artifacts.Clone()
		res.FollowOns = out.FollowOns
	}
	return res, nil
}

func (d *Dispatcher) work(ctx context.Context, taskID string, msg *a2a.Message, h Handler) (*Result, error) {
	rec, begun, err := d.tracker.Begin(ctx, d.agentID, taskID, msg)
	if err != nil {
		return nil, err
	}
	switch begun {
	case persistence.BeginInProgress:
		res := resultFrom(rec)
		res.Notice = persistence.NoticeInProgress
		return res, nil
	case persistence.BeginFinished:
		res := resultFrom(rec)
		res.Notice = persistence.NoticeFinished
		return res, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancels[taskID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, taskID)
		d.mu.Unlock()
		cancel()
	}()

	inv := &Invocation{AgentID: d.agentID, TaskID: taskID, Verb: msg.Verb, Message: msg, Payload: msg.Payload.Clone()}
	log := d.logger.With(zap.String("task_id", taskID), zap.String("verb", string(msg.Verb)))

	if verr := h.Validate(inv); verr != nil {
		verr = types.WrapError(verr, types.ErrValidation, "invalid payload").WithTask(taskID).WithAgent(d.agentID)
		log.Info("validation failed", zap.Error(verr))
		rec, err := d.tracker.Finish(ctx, d.agentID, taskID, persistence.Completion{
			State: persistence.StateFailed,
			Err:   verr,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(rec), verr
	}

	out, runErr := d.safeRun(taskCtx, h, inv)

	// finishing must not be skipped because the caller gave up
	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		runErr = asTaskError(runErr, taskID, d.agentID)
		rec, err := d.tracker.Finish(finishCtx, d.agentID, taskID, persistence.Completion{
			State: persistence.StateFailed,
			Err:   runErr,
		})
		if err != nil {
			return nil, err
		}
		log.Warn("task failed", zap.String("state", string(rec.State)), zap.Error(runErr))
		res := resultFrom(rec)
		if types.IsCode(runErr, types.ErrValidation) && rec.State == persistence.StateFailed {
			return res, runErr
		}
		return res, nil
	}

	if out == nil {
		out = &Outcome{}
	}
	rec, err = d.tracker.Finish(finishCtx, d.agentID, taskID, persistence.Completion{
		State:     persistence.StateCompleted,
		Artifacts: out.Artifacts,
		Notice:    out.Notice,
	})
	if err != nil {
		return nil, err
	}
	res := resultFrom(rec)
	if rec.State == persistence.StateCompleted {
		res.FollowOns = out.FollowOns
	}
	log.Info("task finished", zap.String("state", string(rec.State)), zap.Int("follow_ons", len(res.FollowOns)))
	return res, nil
}

// safeRun converts a handler panic into a BACKEND error.
func (d *Dispatcher) safeRun(ctx context.Context, h Handler, inv *Invocation) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("task_id", inv.TaskID),
				zap.Any("recover", r),
				zap.ByteString("stack", debug.Stack()))
			out = nil
			err = types.Errorf(types.ErrBackend, "handler panicked: %v", r)
		}
	}()
	return h.Run(ctx, inv)
}

// asTaskError keeps typed VALIDATION and BACKEND errors and wraps anything
// else as BACKEND.
func asTaskError(err error, taskID, agentID string) *types.Error {
	e, ok := types.AsError(err)
	if !ok || (e.Code != types.ErrValidation && e.Code != types.ErrBackend) {
		e = types.NewError(types.ErrBackend, "capability failed").WithCause(err)
	}
	if e.TaskID == "" {
		e.WithTask(taskID)
	}
	if e.AgentID == "" {
		e.WithAgent(agentID)
	}
	return e
}

// Inbox returns copies of the EVENT messages received so far, oldest first.
func (d *Dispatcher) Inbox() []*a2a.Message {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	out := make([]*a2a.Message, len(d.inbox))
	for i, m := range d.inbox {
		out[i] = m.Clone()
	}
	return out
}

// InFlight returns the number of tasks currently executing.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(%s)", d.agentID)
}
