package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/capability"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
	"github.com/BaSui01/a2aflow/agent/router"
	"github.com/BaSui01/a2aflow/types"
)

// =============================================================================
// ✉️ A2A Message Handler
// =============================================================================

// Router is the routing surface the HTTP layer needs.
type Router interface {
	Route(ctx context.Context, msg *a2a.Message) (*router.Reply, error)
	Send(ctx context.Context, msg *a2a.Message) *router.Future
}

// SendMessageRequest is an inbound envelope. id and created_at are stamped
// by the server; sender defaults to the configured HTTP sender.
type SendMessageRequest struct {
	ID       string      `json:"id,omitempty"`
	Sender   string      `json:"sender,omitempty"`
	Receiver string      `json:"receiver"`
	Verb     a2a.Verb    `json:"verb"`
	TaskID   string      `json:"task_id,omitempty"`
	Payload  a2a.Payload `json:"payload"`
	ReplyTo  string      `json:"reply_to,omitempty"`
}

// HopView 是 router.Hop 的 JSON 视图
type HopView struct {
	Depth     int                `json:"depth"`
	MessageID string             `json:"message_id"`
	Receiver  string             `json:"receiver"`
	Verb      a2a.Verb           `json:"verb"`
	Result    *capability.Result `json:"result,omitempty"`
	Error     *ErrorInfo         `json:"error,omitempty"`
}

// RouteResponse 同步路由结果
type RouteResponse struct {
	MessageID string             `json:"message_id"`
	Result    *capability.Result `json:"result,omitempty"`
	Hops      []HopView          `json:"hops,omitempty"`
	Emitted   []*a2a.Message     `json:"emitted,omitempty"`
	Halted    bool               `json:"halted"`
}

// AcceptedResponse 异步投递回执
type AcceptedResponse struct {
	MessageID string   `json:"message_id"`
	Receiver  string   `json:"receiver"`
	Verb      a2a.Verb `json:"verb"`
	TaskID    string   `json:"task_id,omitempty"`
}

// MessageHandler accepts A2A envelopes over HTTP.
type MessageHandler struct {
	router  Router
	sender  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewMessageHandler creates a message handler. timeout bounds synchronous
// routes; zero leaves them bounded by the request context only.
func NewMessageHandler(r Router, sender string, timeout time.Duration, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == "" {
		sender = "http"
	}
	return &MessageHandler{
		router:  r,
		sender:  sender,
		timeout: timeout,
		logger:  logger.With(zap.String("handler", "messages")),
	}
}

// HandleRoute routes a message and waits for the whole forward chain.
// @Router /a2a/messages [post]
func (h *MessageHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decode(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	reply, err := h.router.Route(ctx, msg)
	view := routeView(msg, reply)
	if err != nil {
		writeError(w, asAPIError(err), view, h.logger)
		return
	}
	WriteSuccess(w, view)
}

// HandleSend routes a message in the background and answers 202. Task
// creating verbs get a task id up front so the caller can poll it.
// @Router /a2a/messages/async [post]
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	msg, ok := h.decode(w, r)
	if !ok {
		return
	}
	if msg.TaskID == "" && startsTask(msg.Verb) {
		msg.TaskID = uuid.New().String()
	}

	// 请求结束后路由仍需继续
	ctx := context.WithoutCancel(r.Context())
	future := h.router.Send(ctx, msg)
	go func() {
		if _, err := future.Await(ctx); err != nil {
			h.logger.Warn("async route failed",
				zap.String("message_id", msg.ID),
				zap.String("receiver", msg.Receiver),
				zap.Error(err))
		}
	}()

	if msg.TaskID != "" {
		w.Header().Set("Location", "/a2a/tasks/"+msg.TaskID+"?agent_id="+msg.Receiver)
	}
	WriteStatus(w, http.StatusAccepted, AcceptedResponse{
		MessageID: msg.ID,
		Receiver:  msg.Receiver,
		Verb:      msg.Verb,
		TaskID:    msg.TaskID,
	})
}

func (h *MessageHandler) decode(w http.ResponseWriter, r *http.Request) (*a2a.Message, bool) {
	var req SendMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return nil, false
	}
	msg, err := req.message(h.sender)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return nil, false
	}
	return msg, true
}

func (req SendMessageRequest) message(defaultSender string) (*a2a.Message, error) {
	sender := req.Sender
	if sender == "" {
		sender = defaultSender
	}
	msg := a2a.NewMessage(sender, req.Receiver, req.Verb, req.TaskID, req.Payload)
	if req.ID != "" {
		msg.ID = req.ID
	}
	msg.ReplyTo = req.ReplyTo
	if err := msg.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidMessage, err.Error()).WithCause(err)
	}
	return msg, nil
}

func startsTask(verb a2a.Verb) bool {
	switch verb {
	case a2a.VerbEvent, a2a.VerbGetStatus, a2a.VerbCancel:
		return false
	default:
		return true
	}
}

func routeView(msg *a2a.Message, reply *router.Reply) *RouteResponse {
	view := &RouteResponse{MessageID: msg.ID}
	if reply == nil {
		return view
	}
	view.Result = reply.Result
	view.Emitted = reply.Emitted
	view.Halted = reply.Halted()
	for _, hop := range reply.Hops {
		hv := HopView{
			Depth:     hop.Depth,
			MessageID: hop.Message.ID,
			Receiver:  hop.Message.Receiver,
			Verb:      hop.Message.Verb,
			Result:    hop.Result,
		}
		if hop.Err != nil {
			hv.Error = errorInfoOf(hop.Err)
		}
		view.Hops = append(view.Hops, hv)
	}
	return view
}
