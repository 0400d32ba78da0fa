package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/discovery"
	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/agent/router"
	"github.com/BaSui01/a2aflow/types"
)

// testStack wires a registry, tracker, bus and router with three small
// agents:
//
//	echo.v1  CALL echoes payload "name"; "forward" also CALLs sink.v1
//	sink.v1  CALL records where it was called from
//	slow.v1  CALL blocks until canceled
type testStack struct {
	registry *discovery.Registry
	tracker  *persistence.Tracker
	bus      *events.SimpleBus
	router   *router.Router
	mux      *http.ServeMux
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	s := &testStack{
		registry: discovery.NewRegistry(nil),
		bus:      events.NewBus(256, nil),
	}
	s.tracker = persistence.NewTracker(persistence.NewMemoryTaskStore(), nil, s.bus)
	s.router = router.New(s.registry, router.DefaultConfig(), router.WithBus(s.bus))
	t.Cleanup(func() {
		s.router.Close()
		s.bus.Stop()
	})

	echo := capability.Validated(
		func(inv *capability.Invocation) error {
			if _, ok := inv.Payload.String("name"); !ok {
				return types.NewError(types.ErrValidation, "name is required")
			}
			return nil
		},
		func(_ context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
			name, _ := inv.Payload.String("name")
			out := &capability.Outcome{Artifacts: a2a.Artifacts{"echo": {a2a.TextPart(name)}}}
			if name == "forward" {
				out.FollowOns = append(out.FollowOns, inv.Call("sink.v1", a2a.DataPayload(map[string]any{"from": inv.AgentID})))
			}
			return out, nil
		})
	sink := capability.HandlerFunc(func(_ context.Context, inv *capability.Invocation) (*capability.Outcome, error) {
		from, _ := inv.Payload.String("from")
		return &capability.Outcome{Artifacts: a2a.Artifacts{"sink": {a2a.DataPart(map[string]any{"from": from})}}}, nil
	})
	slow := capability.HandlerFunc(func(ctx context.Context, _ *capability.Invocation) (*capability.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s.add(t, "echo.v1", capability.Table{a2a.VerbCall: echo})
	s.add(t, "sink.v1", capability.Table{a2a.VerbCall: sink})
	s.add(t, "slow.v1", capability.Table{a2a.VerbCall: slow})

	logger := zap.NewNop()
	messages := NewMessageHandler(s.router, "tester", 0, logger)
	tasks := NewTaskHandler(s.router, s.tracker, "tester", logger)
	agents := NewAgentHandler(s.registry, s.router, logger)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /a2a/messages", messages.HandleRoute)
	s.mux.HandleFunc("POST /a2a/messages/async", messages.HandleSend)
	s.mux.HandleFunc("GET /a2a/tasks", tasks.HandleListTasks)
	s.mux.HandleFunc("GET /a2a/tasks/{id}", tasks.HandleGetTask)
	s.mux.HandleFunc("POST /a2a/tasks/{id}/cancel", tasks.HandleCancelTask)
	s.mux.HandleFunc("GET /a2a/agents", agents.HandleListAgents)
	s.mux.HandleFunc("GET /a2a/agents/{id}", agents.HandleGetAgent)
	return s
}

func (s *testStack) add(t *testing.T, id string, table capability.Table) {
	t.Helper()
	d := capability.New(id, table, s.tracker)
	verbs := append(d.Verbs(), a2a.VerbEvent)
	require.NoError(t, s.registry.Register(a2a.NewAgentDescriptor(id, id, id+" test agent", "", verbs...)))
	require.NoError(t, s.router.Handle(id, d))
}

func (s *testStack) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest(method, target, &buf))
	return w
}

// decodeData decodes the response envelope and re-decodes data into out.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) Response {
	t.Helper()
	resp := decodeResponse(t, w)
	if out != nil && resp.Data != nil {
		raw, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return resp
}

func callBody(receiver, name string) SendMessageRequest {
	return SendMessageRequest{
		Receiver: receiver,
		Verb:     a2a.VerbCall,
		Payload:  a2a.DataPayload(map[string]any{"name": name}),
	}
}
