package a2a

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/a2aflow/types"
)

// Verb 是消息请求的操作名.
type Verb string

// 协议保留动词. 其他非空名称由代理能力自定义.
const (
	VerbCall      Verb = "CALL"
	VerbEvent     Verb = "EVENT"
	VerbGetStatus Verb = "GET_STATUS"
	VerbCancel    Verb = "CANCEL"
)

// IsValid reports whether the verb is usable on the wire.
func (v Verb) IsValid() bool {
	return v != ""
}

// IsReserved reports whether the verb is one of the protocol verbs.
func (v Verb) IsReserved() bool {
	switch v {
	case VerbCall, VerbEvent, VerbGetStatus, VerbCancel:
		return true
	default:
		return false
	}
}

// String 返回动词的字符串表示.
func (v Verb) String() string {
	return string(v)
}

// Message 是代理之间交换的消息信封.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Verb      Verb      `json:"verb"`
	TaskID    string    `json:"task_id,omitempty"`
	Payload   Payload   `json:"payload"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a generated id and the current time.
// The payload is copied.
func NewMessage(sender, receiver string, verb Verb, taskID string, payload Payload) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Verb:      verb,
		TaskID:    taskID,
		Payload:   payload.Clone(),
		CreatedAt: time.Now().UTC(),
	}
}

// NewCall 创建 CALL 消息.
func NewCall(sender, receiver, taskID string, payload Payload) *Message {
	return NewMessage(sender, receiver, VerbCall, taskID, payload)
}

// NewEvent 创建 EVENT 消息.
func NewEvent(sender, receiver, taskID string, payload Payload) *Message {
	return NewMessage(sender, receiver, VerbEvent, taskID, payload)
}

// FollowOn derives a message sent by this message's receiver as a
// consequence of handling it. ReplyTo points back at m.
func (m *Message) FollowOn(receiver string, verb Verb, taskID string, payload Payload) *Message {
	out := NewMessage(m.Receiver, receiver, verb, taskID, payload)
	out.ReplyTo = m.ID
	return out
}

// IsReply 检查此消息是否由另一条消息派生.
func (m *Message) IsReply() bool {
	return m.ReplyTo != ""
}

// Validate checks required envelope fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMessageMissingID
	}
	if m.Sender == "" {
		return ErrMessageMissingSender
	}
	if m.Receiver == "" {
		return ErrMessageMissingReceiver
	}
	if !m.Verb.IsValid() {
		return ErrMessageInvalidVerb
	}
	if m.CreatedAt.IsZero() {
		return ErrMessageMissingTime
	}
	return nil
}

// Clone 创建消息的深拷贝.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = m.Payload.Clone()
	return &c
}

// WithTaskID returns a copy of m bound to taskID.
func (m *Message) WithTaskID(taskID string) *Message {
	c := m.Clone()
	c.TaskID = taskID
	return c
}

// ToJSON encodes the message.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates a message. Any failure is reported
// as an INVALID_MESSAGE error.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.NewError(types.ErrInvalidMessage, "malformed message").WithCause(err)
	}
	if err := m.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidMessage, "invalid message").
			WithCause(err).WithTask(m.TaskID)
	}
	return &m, nil
}
