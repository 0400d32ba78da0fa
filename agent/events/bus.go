// Package events fans task lifecycle events out to asynchronous subscribers
// such as metrics, the transition journal and websocket streams.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/agent/persistence"
	"github.com/BaSui01/a2aflow/agent/protocol/a2a"
)

// EventType 事件类型
type EventType string

const (
	EventTaskTransition EventType = "task_transition"
	EventMessageRouted  EventType = "message_routed"
)

// subscriptionCounter 用于生成唯一订阅 ID
var subscriptionCounter int64

// Event 事件接口
type Event interface {
	Timestamp() time.Time
	Type() EventType
}

// Handler 事件处理器
type Handler func(Event)

// Bus 定义事件总线接口
type Bus interface {
	Publish(event Event)
	// Subscribe registers handler for eventType. An empty eventType
	// subscribes to every event.
	Subscribe(eventType EventType, handler Handler) string
	Unsubscribe(subscriptionID string)
	Stop()
}

// SimpleBus is a buffered, single-dispatcher event bus. Handlers run on the
// dispatch goroutine in publish order; a panicking handler is logged and
// skipped. Events published while the buffer is full are dropped.
type SimpleBus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler

	eventChannel chan Event
	done         chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once
	dropped      atomic.Int64

	logger *zap.Logger
}

// NewBus 创建新的事件总线
func NewBus(bufferSize int, logger *zap.Logger) *SimpleBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	bus := &SimpleBus{
		handlers:     make(map[EventType]map[string]Handler),
		eventChannel: make(chan Event, bufferSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		logger:       logger.With(zap.String("component", "event_bus")),
	}
	go bus.processEvents()
	return bus
}

// Publish 发布事件
func (b *SimpleBus) Publish(event Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.eventChannel <- event:
	case <-b.done:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("type", string(event.Type())))
	}
}

// Subscribe 订阅事件
func (b *SimpleBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}

	name := string(eventType)
	if name == "" {
		name = "all"
	}
	id := fmt.Sprintf("%s-%d", name, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *SimpleBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// Dropped returns the number of events dropped on a full buffer.
func (b *SimpleBus) Dropped() int64 {
	return b.dropped.Load()
}

// OnTransition publishes committed task transitions. It lets the bus be
// registered directly as a persistence.TransitionObserver.
func (b *SimpleBus) OnTransition(_ context.Context, t persistence.Transition) {
	b.Publish(&TransitionEvent{Transition: t})
}

// processEvents 处理事件
func (b *SimpleBus) processEvents() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.eventChannel:
			b.dispatch(event)
		case <-b.done:
			// deliver what is already buffered
			for {
				select {
				case event := <-b.eventChannel:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *SimpleBus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type()])+len(b.handlers[""]))
	for _, h := range b.handlers[event.Type()] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[""] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, event)
	}
}

func (b *SimpleBus) safeCall(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.Any("recover", r))
		}
	}()
	h(event)
}

// Stop 停止事件总线, 等待缓冲区中的事件投递完毕
func (b *SimpleBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	<-b.stopped
}

// TransitionEvent 任务状态流转事件
type TransitionEvent struct {
	persistence.Transition
}

func (e *TransitionEvent) Timestamp() time.Time { return e.At }
func (e *TransitionEvent) Type() EventType      { return EventTaskTransition }

// RoutedEvent 消息路由事件
type RoutedEvent struct {
	MessageID string                `json:"message_id"`
	Sender    string                `json:"sender"`
	Receiver  string                `json:"receiver"`
	Verb      a2a.Verb              `json:"verb"`
	TaskID    string                `json:"task_id,omitempty"`
	State     persistence.TaskState `json:"state,omitempty"`
	Error     string                `json:"error,omitempty"`
	At        time.Time             `json:"at"`
}

func (e *RoutedEvent) Timestamp() time.Time { return e.At }
func (e *RoutedEvent) Type() EventType      { return EventMessageRouted }
