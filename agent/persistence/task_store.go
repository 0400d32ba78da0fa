package persistence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// TaskStore defines the interface for task state persistence.
//
// Implementations guarantee that Update calls for the same (agentID, taskID)
// are serialized and that Get never waits for an in-flight Update.
type TaskStore interface {
	Store

	// Get returns a copy of the last committed record, or ErrNotFound.
	Get(ctx context.Context, agentID, taskID string) (*TaskRecord, error)

	// Update runs fn inside the task's exclusive section and commits the
	// record it returns. fn receives a copy of the current record, or nil
	// when the task does not exist. Returning a nil record leaves the
	// store untouched and Update returns the current record.
	Update(ctx context.Context, agentID, taskID string, fn UpdateFunc) (*TaskRecord, error)

	// List returns records matching the filter ordered by creation time.
	List(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
}

// UpdateFunc computes the next record from the current one.
type UpdateFunc func(cur *TaskRecord) (*TaskRecord, error)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateSubmitted TaskState = "SUBMITTED"
	StateWorking   TaskState = "WORKING"
	StateCompleted TaskState = "COMPLETED"
	StateFailed    TaskState = "FAILED"
	StateCanceled  TaskState = "CANCELED"
)

// validTransitions 定义合法的状态流转
var validTransitions = map[TaskState][]TaskState{
	StateSubmitted: {StateWorking, StateCanceled, StateFailed},
	StateWorking:   {StateCompleted, StateFailed, StateCanceled},
	StateCompleted: {},
	StateFailed:    {},
	StateCanceled:  {},
}

// CanTransition 检查状态流转是否合法
func CanTransition(from, to TaskState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the state is a terminal state
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state.
func (s TaskState) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// String returns the string representation of the state
func (s TaskState) String() string {
	return string(s)
}

// TaskError is the serializable snapshot of a failure recorded on a task.
type TaskError struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// ErrorSnapshot converts err into a TaskError, defaulting to INTERNAL_ERROR
// when err carries no code.
func ErrorSnapshot(err error) *TaskError {
	if err == nil {
		return nil
	}
	code := types.CodeOf(err)
	if code == "" {
		code = types.ErrInternalError
	}
	return &TaskError{Code: code, Message: err.Error()}
}

// TaskRecord is the stored state of one task on one agent.
type TaskRecord struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	State           TaskState     `json:"state"`
	LastMessage     *a2a.Message  `json:"last_message,omitempty"`
	Artifacts       a2a.Artifacts `json:"artifacts"`
	Error           *TaskError    `json:"error,omitempty"`
	Notice          string        `json:"notice,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	Version         int64         `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewTaskRecord returns an uncommitted SUBMITTED record.
func NewTaskRecord(agentID, taskID string) *TaskRecord {
	return &TaskRecord{
		ID:        taskID,
		AgentID:   agentID,
		State:     StateSubmitted,
		Artifacts: a2a.Artifacts{},
	}
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.LastMessage = r.LastMessage.Clone()
	c.Artifacts = r.Artifacts.Clone()
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// TaskFilter defines criteria for listing tasks
type TaskFilter struct {
	// AgentID filters by owning agent
	AgentID string `json:"agent_id,omitempty"`

	// States filters by task state
	States []TaskState `json:"states,omitempty"`

	// Limit caps the number of results (0 means unlimited)
	Limit int `json:"limit,omitempty"`
}

func (f TaskFilter) matches(r *TaskRecord) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}

// apply sorts records by creation time then id and applies the limit.
func (f TaskFilter) apply(records []*TaskRecord) []*TaskRecord {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			if records[i].AgentID == records[j].AgentID {
				return records[i].ID < records[j].ID
			}
			return records[i].AgentID < records[j].AgentID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}

// commitRecord validates the step from cur to next and stamps version and
// timestamps on next. cur is nil for an absent task.
func commitRecord(cur, next *TaskRecord, agentID, taskID string, now time.Time) error {
	from := StateSubmitted
	if cur != nil {
		from = cur.State
		if from.IsTerminal() {
			return types.Errorf(types.ErrInvalidTransition,
				"task is %s and cannot change", from).WithTask(taskID).WithAgent(agentID)
		}
	}
	if !next.State.IsValid() {
		return types.Errorf(types.ErrInvalidTransition, "unknown state %q", next.State).
			WithTask(taskID).WithAgent(agentID)
	}
	if next.State != from && !CanTransition(from, next.State) {
		return types.Errorf(types.ErrInvalidTransition,
			"illegal transition %s -> %s", from, next.State).WithTask(taskID).WithAgent(agentID)
	}

	next.ID = taskID
	next.AgentID = agentID
	if next.Artifacts == nil {
		next.Artifacts = a2a.Artifacts{}
	}
	if cur != nil {
		next.Version = cur.Version + 1
		next.CreatedAt = cur.CreatedAt
	} else {
		next.Version = 1
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	return nil
}

func taskKey(agentID, taskID string) string {
	return fmt.Sprintf("%s/%s", agentID, taskID)
}

func validateKey(agentID, taskID string) error {
	if agentID == "" || taskID == "" {
		return fmt.Errorf("%w: agent id and task id are required", ErrInvalidInput)
	}
	return nil
}
