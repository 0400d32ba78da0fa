package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/agent/persistence"
)

type wireEnvelope struct {
	Type  events.EventType `json:"type"`
	Event map[string]any   `json:"event"`
}

func dialStream(t *testing.T, bus events.Bus, query string) *websocket.Conn {
	t.Helper()
	h := NewEventStreamHandler(bus, 16, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env wireEnvelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	return env
}

func TestEventStream_PushesFilteredEvents(t *testing.T) {
	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Stop)

	conn := dialStream(t, bus, "?agent_id=automl.v1")

	bus.OnTransition(context.Background(), persistence.Transition{
		AgentID: "datarep.v1", TaskID: "t-0", From: persistence.StateSubmitted, To: persistence.StateWorking, At: time.Now(),
	})
	bus.OnTransition(context.Background(), persistence.Transition{
		AgentID: "automl.v1", TaskID: "t-1", From: persistence.StateWorking, To: persistence.StateCompleted, At: time.Now(),
	})
	bus.Publish(&events.RoutedEvent{MessageID: "m-1", Sender: "orchestrator", Receiver: "automl.v1", Verb: "CALL", TaskID: "t-1", At: time.Now()})

	first := readEnvelope(t, conn)
	assert.Equal(t, events.EventTaskTransition, first.Type)
	assert.Equal(t, "automl.v1", first.Event["agent_id"])
	assert.Equal(t, "COMPLETED", first.Event["to"])

	second := readEnvelope(t, conn)
	assert.Equal(t, events.EventMessageRouted, second.Type)
	assert.Equal(t, "m-1", second.Event["message_id"])
}

func TestEventStream_TypeFilter(t *testing.T) {
	bus := events.NewBus(64, nil)
	t.Cleanup(bus.Stop)

	conn := dialStream(t, bus, "?type=message_routed")

	bus.OnTransition(context.Background(), persistence.Transition{AgentID: "automl.v1", TaskID: "t-1", At: time.Now()})
	bus.Publish(&events.RoutedEvent{MessageID: "m-2", Receiver: "compliance.v1", Verb: "EVENT", At: time.Now()})

	env := readEnvelope(t, conn)
	assert.Equal(t, events.EventMessageRouted, env.Type)
	assert.Equal(t, "compliance.v1", env.Event["receiver"])
}

func TestEventStream_RejectsUnknownType(t *testing.T) {
	bus := events.NewBus(8, nil)
	t.Cleanup(bus.Stop)
	h := NewEventStreamHandler(bus, 0, nil)

	w := httptest.NewRecorder()
	h.HandleStream(w, httptest.NewRequest(http.MethodGet, "/a2a/events?type=chat", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamFilter_Match(t *testing.T) {
	tr := &events.TransitionEvent{Transition: persistence.Transition{AgentID: "a", TaskID: "t"}}
	rt := &events.RoutedEvent{Receiver: "b", TaskID: "t"}

	assert.True(t, streamFilter{}.match(tr))
	assert.True(t, streamFilter{taskID: "t"}.match(rt))
	assert.False(t, streamFilter{agentID: "b"}.match(tr))
	assert.True(t, streamFilter{agentID: "b"}.match(rt))
	assert.False(t, streamFilter{taskID: "other"}.match(tr))
}
