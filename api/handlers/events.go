package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/events"
	"github.com/BaSui01/a2aflow/types"
)

// =============================================================================
// 📡 Event Stream Handler (WebSocket)
// =============================================================================

// StreamEnvelope 是推送给 WebSocket 客户端的一帧
type StreamEnvelope struct {
	Type  events.EventType `json:"type"`
	Event events.Event     `json:"event"`
}

// EventStreamHandler streams bus events to WebSocket clients. A slow client
// loses events instead of stalling the bus.
type EventStreamHandler struct {
	bus          events.Bus
	buffer       int
	writeTimeout time.Duration
	dropped      atomic.Int64
	logger       *zap.Logger
}

// NewEventStreamHandler creates a stream handler with a per-connection
// buffer of size buffer.
func NewEventStreamHandler(bus events.Bus, buffer int, logger *zap.Logger) *EventStreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &EventStreamHandler{
		bus:          bus,
		buffer:       buffer,
		writeTimeout: 5 * time.Second,
		logger:       logger.With(zap.String("handler", "event_stream")),
	}
}

// Dropped returns the number of events discarded for slow clients.
func (h *EventStreamHandler) Dropped() int64 {
	return h.dropped.Load()
}

// streamFilter 按查询参数过滤事件
type streamFilter struct {
	eventType events.EventType
	agentID   string
	taskID    string
}

func (f streamFilter) match(ev events.Event) bool {
	switch e := ev.(type) {
	case *events.TransitionEvent:
		return (f.agentID == "" || e.AgentID == f.agentID) && (f.taskID == "" || e.TaskID == f.taskID)
	case *events.RoutedEvent:
		return (f.agentID == "" || e.Receiver == f.agentID) && (f.taskID == "" || e.TaskID == f.taskID)
	default:
		return f.agentID == "" && f.taskID == ""
	}
}

// HandleStream upgrades to WebSocket and pushes events matching ?type=,
// ?agent_id= and ?task_id= until the client goes away.
// @Router /a2a/events [get]
func (h *EventStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streamFilter{
		eventType: events.EventType(q.Get("type")),
		agentID:   q.Get("agent_id"),
		taskID:    q.Get("task_id"),
	}
	switch filter.eventType {
	case "", events.EventTaskTransition, events.EventMessageRouted:
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "unknown event type "+string(filter.eventType), h.logger)
		return
	}

	// 先订阅再升级，握手完成后的事件不会丢失
	ch := make(chan events.Event, h.buffer)
	subID := h.bus.Subscribe(filter.eventType, func(ev events.Event) {
		if !filter.match(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	})
	defer h.bus.Unsubscribe(subID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	h.logger.Debug("event stream opened", zap.String("subscription", subID))
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", zap.String("subscription", subID))
			return
		case ev := <-ch:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventStreamHandler) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, StreamEnvelope{Type: ev.Type(), Event: ev})
}
