package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/types"
)

func TestTaskHandler_GetStatus(t *testing.T) {
	s := newTestStack(t)

	body := callBody("echo.v1", "churn")
	body.TaskID = "t-1"
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/a2a/messages", body).Code)

	w := s.do(t, http.MethodGet, "/a2a/tasks/t-1?agent_id=echo.v1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res capability.Result
	decodeData(t, w, &res)
	assert.Equal(t, "t-1", res.TaskID)
	assert.Equal(t, persistence.StateCompleted, res.State)
	assert.Equal(t, "churn", res.Artifacts["echo"][0].Text)
}

func TestTaskHandler_UnknownTaskIsSubmitted(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodGet, "/a2a/tasks/never-seen?agent_id=echo.v1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res capability.Result
	decodeData(t, w, &res)
	assert.Equal(t, persistence.StateSubmitted, res.State)
	assert.Empty(t, res.Artifacts)
}

func TestTaskHandler_RequiresAgentID(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodGet, "/a2a/tasks/t-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/a2a/tasks/t-1?agent_id=ghost.v1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrUnknownAgent), decodeResponse(t, w).Error.Code)
}

func TestTaskHandler_CancelWorkingTask(t *testing.T) {
	s := newTestStack(t)

	body := callBody("slow.v1", "x")
	body.TaskID = "t-slow"
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/a2a/messages/async", body).Code)

	status := func() persistence.TaskState {
		var res capability.Result
		decodeData(t, s.do(t, http.MethodGet, "/a2a/tasks/t-slow?agent_id=slow.v1", nil), &res)
		return res.State
	}
	require.Eventually(t, func() bool { return status() == persistence.StateWorking }, 2*time.Second, 10*time.Millisecond)

	w := s.do(t, http.MethodPost, "/a2a/tasks/t-slow/cancel?agent_id=slow.v1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res capability.Result
	decodeData(t, w, &res)
	assert.Equal(t, persistence.NoticeCancelRequested, res.Notice)

	require.Eventually(t, func() bool { return status() == persistence.StateCanceled }, 2*time.Second, 10*time.Millisecond)
}

func TestTaskHandler_CancelFinishedTaskIsNoop(t *testing.T) {
	s := newTestStack(t)

	body := callBody("echo.v1", "done")
	body.TaskID = "t-done"
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/a2a/messages", body).Code)

	w := s.do(t, http.MethodPost, "/a2a/tasks/t-done/cancel?agent_id=echo.v1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res capability.Result
	decodeData(t, w, &res)
	assert.Equal(t, persistence.StateCompleted, res.State)
	assert.Equal(t, persistence.NoticeFinished, res.Notice)
}

func TestTaskHandler_List(t *testing.T) {
	s := newTestStack(t)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/a2a/messages", callBody("echo.v1", "a")).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/a2a/messages", callBody("echo.v1", "forward")).Code)
	invalid := SendMessageRequest{Receiver: "echo.v1", Verb: a2a.VerbCall}
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/a2a/messages", invalid).Code)

	// echo ×3 (one FAILED) + the forwarded sink task
	var all []persistence.TaskRecord
	decodeData(t, s.do(t, http.MethodGet, "/a2a/tasks", nil), &all)
	assert.Len(t, all, 4)

	var failed []persistence.TaskRecord
	decodeData(t, s.do(t, http.MethodGet, "/a2a/tasks?state=failed", nil), &failed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, types.ErrValidation, failed[0].Error.Code)

	var echo []persistence.TaskRecord
	decodeData(t, s.do(t, http.MethodGet, "/a2a/tasks?agent_id=echo.v1&state=completed", nil), &echo)
	assert.Len(t, echo, 2)
	for _, rec := range echo {
		assert.Equal(t, "echo.v1", rec.AgentID)
		assert.Equal(t, persistence.StateCompleted, rec.State)
	}

	var limited []persistence.TaskRecord
	decodeData(t, s.do(t, http.MethodGet, "/a2a/tasks?limit=1", nil), &limited)
	assert.Len(t, limited, 1)
}

func TestTaskHandler_ListRejectsBadQuery(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/a2a/tasks?state=DONE", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/a2a/tasks?limit=-1", nil).Code)
}
