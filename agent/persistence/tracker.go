package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// Notices reported when a request does not change task state.
const (
	NoticeInProgress      = "task already in progress"
	NoticeFinished        = "task already finished"
	NoticeCancelRequested = "cancellation requested"
	NoticeCanceled        = "task canceled"
)

// ErrorArtifactName is the artifact block recording a task failure.
const ErrorArtifactName = "error"

// Transition describes one committed state change.
type Transition struct {
	TaskID  string     `json:"task_id"`
	AgentID string     `json:"agent_id"`
	From    TaskState  `json:"from"`
	To      TaskState  `json:"to"`
	Version int64      `json:"version"`
	Notice  string     `json:"notice,omitempty"`
	Error   *TaskError `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// TransitionObserver is notified after every committed state change.
// Calls for one task arrive in commit order.
type TransitionObserver interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition implements TransitionObserver.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// BeginResult reports what Begin did.
type BeginResult int

const (
	// BeginStarted means the task moved to WORKING and the caller owns it.
	BeginStarted BeginResult = iota
	// BeginInProgress means another caller owns the task.
	BeginInProgress
	// BeginFinished means the task is already terminal.
	BeginFinished
)

// CancelResult reports what Cancel did.
type CancelResult int

const (
	// CancelApplied means the task moved straight to CANCELED.
	CancelApplied CancelResult = iota
	// CancelPending means a WORKING task was flagged for cancellation.
	CancelPending
	// CancelNoop means the task was already terminal.
	CancelNoop
)

// Completion is the outcome applied by Finish.
type Completion struct {
	State     TaskState
	Artifacts a2a.Artifacts
	Notice    string
	Err       error
}

// Tracker implements the task lifecycle on top of a TaskStore.
type Tracker struct {
	store TaskStore

	mu        sync.RWMutex
	observers []TransitionObserver

	logger *zap.Logger
}

// NewTracker creates a tracker over store.
func NewTracker(store TaskStore, logger *zap.Logger, observers ...TransitionObserver) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:     store,
		observers: observers,
		logger:    logger.With(zap.String("component", "task_tracker")),
	}
}

// Store returns the underlying store.
func (t *Tracker) Store() TaskStore {
	return t.store
}

// AddObserver registers an observer for subsequent transitions.
func (t *Tracker) AddObserver(o TransitionObserver) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Snapshot returns the last committed record. Unknown tasks are reported
// as SUBMITTED with empty artifacts.
func (t *Tracker) Snapshot(ctx context.Context, agentID, taskID string) (*TaskRecord, error) {
	rec, err := t.store.Get(ctx, agentID, taskID)
	if errors.Is(err, ErrNotFound) {
		return NewTaskRecord(agentID, taskID), nil
	}
	return rec, err
}

// List delegates to the store.
func (t *Tracker) List(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	return t.store.List(ctx, filter)
}

// Begin claims a task for execution: absent or SUBMITTED tasks move to
// WORKING. WORKING and terminal tasks are returned unchanged.
func (t *Tracker) Begin(ctx context.Context, agentID, taskID string, msg *a2a.Message) (*TaskRecord, BeginResult, error) {
	var result BeginResult
	rec, err := t.store.Update(ctx, agentID, taskID, func(cur *TaskRecord) (*TaskRecord, error) {
		switch {
		case cur == nil || cur.State == StateSubmitted:
			result = BeginStarted
		case cur.State == StateWorking:
			result = BeginInProgress
			return nil, nil
		default:
			result = BeginFinished
			return nil, nil
		}
		next := cur
		if next == nil {
			next = NewTaskRecord(agentID, taskID)
		}
		next.State = StateWorking
		next.LastMessage = msg.Clone()
		next.Notice = ""
		return next, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if result == BeginStarted {
		t.notify(ctx, StateSubmitted, rec)
	}
	return rec, result, nil
}

// Finish moves a WORKING task to the completion state. A task flagged by
// Cancel ends CANCELED whatever the completion says.
func (t *Tracker) Finish(ctx context.Context, agentID, taskID string, c Completion) (*TaskRecord, error) {
	if !c.State.IsTerminal() {
		return nil, types.Errorf(types.ErrInvalidTransition, "finish requires a terminal state, got %s", c.State).
			WithTask(taskID).WithAgent(agentID)
	}
	rec, err := t.store.Update(ctx, agentID, taskID, func(cur *TaskRecord) (*TaskRecord, error) {
		if cur == nil || cur.State != StateWorking {
			from := StateSubmitted
			if cur != nil {
				from = cur.State
			}
			return nil, types.Errorf(types.ErrInvalidTransition, "cannot finish task in state %s", from).
				WithTask(taskID).WithAgent(agentID)
		}
		next := cur
		if cur.CancelRequested {
			next.State = StateCanceled
			next.Notice = NoticeCanceled
			next.Artifacts = a2a.Artifacts{}
			return next, nil
		}
		next.State = c.State
		next.Notice = c.Notice
		next.Artifacts = c.Artifacts.Clone()
		if c.Err != nil {
			next.Error = ErrorSnapshot(c.Err)
			next.Artifacts[ErrorArtifactName] = ErrorArtifact(c.Err)
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	t.notify(ctx, StateWorking, rec)
	return rec, nil
}

// Fail records err on an absent or SUBMITTED task and moves it to FAILED.
// WORKING tasks belong to their owner and terminal tasks are final; both are
// returned unchanged.
func (t *Tracker) Fail(ctx context.Context, agentID, taskID string, msg *a2a.Message, cause error) (*TaskRecord, error) {
	var (
		from    TaskState
		changed bool
	)
	rec, err := t.store.Update(ctx, agentID, taskID, func(cur *TaskRecord) (*TaskRecord, error) {
		next := cur
		if next == nil {
			next = NewTaskRecord(agentID, taskID)
		}
		if next.State.IsTerminal() || next.State == StateWorking {
			changed = false
			return nil, nil
		}
		from, changed = next.State, true
		if msg != nil {
			next.LastMessage = msg.Clone()
		}
		next.State = StateFailed
		next.Error = ErrorSnapshot(cause)
		next.Artifacts = a2a.Artifacts{ErrorArtifactName: ErrorArtifact(cause)}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		t.notify(ctx, from, rec)
	}
	return rec, nil
}

// Cancel cancels a SUBMITTED or absent task immediately and flags a WORKING
// task so its owner ends it as CANCELED.
func (t *Tracker) Cancel(ctx context.Context, agentID, taskID string, msg *a2a.Message) (*TaskRecord, CancelResult, error) {
	var result CancelResult
	rec, err := t.store.Update(ctx, agentID, taskID, func(cur *TaskRecord) (*TaskRecord, error) {
		next := cur
		if next == nil {
			next = NewTaskRecord(agentID, taskID)
		}
		switch {
		case next.State.IsTerminal():
			result = CancelNoop
			return nil, nil
		case next.State == StateWorking:
			result = CancelPending
			if next.CancelRequested {
				return nil, nil
			}
			next.CancelRequested = true
			next.Notice = NoticeCancelRequested
		default:
			result = CancelApplied
			next.State = StateCanceled
			next.Notice = NoticeCanceled
			next.CancelRequested = true
			if msg != nil {
				next.LastMessage = msg.Clone()
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if result == CancelApplied {
		t.notify(ctx, StateSubmitted, rec)
	}
	return rec, result, nil
}

func (t *Tracker) notify(ctx context.Context, from TaskState, rec *TaskRecord) {
	tr := Transition{
		TaskID:  rec.ID,
		AgentID: rec.AgentID,
		From:    from,
		To:      rec.State,
		Version: rec.Version,
		Notice:  rec.Notice,
		Error:   rec.Error,
		At:      rec.UpdatedAt,
	}
	t.logger.Debug("task transition",
		zap.String("task_id", tr.TaskID),
		zap.String("agent_id", tr.AgentID),
		zap.String("from", string(tr.From)),
		zap.String("state", string(tr.To)))

	t.mu.RLock()
	observers := t.observers
	t.mu.RUnlock()
	for _, o := range observers {
		o.OnTransition(ctx, tr)
	}
}

// ErrorArtifact renders err as the parts of the error artifact block.
func ErrorArtifact(err error) []a2a.Part {
	snap := ErrorSnapshot(err)
	return []a2a.Part{a2a.DataPart(map[string]any{
		"code":    string(snap.Code),
		"message": snap.Message,
	})}
}
