package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

// =============================================================================
// 📋 Task Handler
// =============================================================================

// TaskLister lists stored task records.
type TaskLister interface {
	List(ctx context.Context, filter persistence.TaskFilter) ([]*persistence.TaskRecord, error)
}

// TaskHandler exposes task status and cancellation. Status and cancel go
// through the router as GET_STATUS and CANCEL messages so they follow the
// same capability checks as any other message.
type TaskHandler struct {
	router Router
	tasks  TaskLister
	sender string
	logger *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(r Router, tasks TaskLister, sender string, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == "" {
		sender = "http"
	}
	return &TaskHandler{
		router: r,
		tasks:  tasks,
		sender: sender,
		logger: logger.With(zap.String("handler", "tasks")),
	}
}

// HandleListTasks lists tasks filtered by ?agent_id=, ?state= (comma
// separated) and ?limit=.
// @Router /a2a/tasks [get]
func (h *TaskHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{AgentID: q.Get("agent_id")}

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := persistence.TaskState(strings.ToUpper(strings.TrimSpace(s)))
			if !state.IsValid() {
				WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "unknown task state "+s, h.logger)
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "limit must be a non-negative integer", h.logger)
			return
		}
		filter.Limit = n
	}

	records, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if records == nil {
		records = []*persistence.TaskRecord{}
	}
	WriteSuccess(w, records)
}

// HandleGetTask returns the status of task {id} on ?agent_id=. Unknown
// tasks report SUBMITTED.
// @Router /a2a/tasks/{id} [get]
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, a2a.VerbGetStatus)
}

// HandleCancelTask requests cancellation of task {id} on ?agent_id=.
// @Router /a2a/tasks/{id}/cancel [post]
func (h *TaskHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, a2a.VerbCancel)
}

func (h *TaskHandler) send(w http.ResponseWriter, r *http.Request, verb a2a.Verb) {
	taskID := r.PathValue("id")
	agentID := r.URL.Query().Get("agent_id")
	if taskID == "" || agentID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "task id and agent_id are required", h.logger)
		return
	}

	msg := a2a.NewMessage(h.sender, agentID, verb, taskID, a2a.Payload{})
	reply, err := h.router.Route(r.Context(), msg)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, reply.Result)
}
