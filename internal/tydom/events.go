package tydom

import (
	"log/slog"
	"sync"
)

// EventHandler is a callback for decoded messages.
type EventHandler func(Message)

// EventBus provides pub/sub for decoded gateway messages, so several
// consumers (bridge, automation) can observe the stream without stealing it.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one message type ("devices", "gateway_info",
// "scenarios", "groups", "moments", "areas", "raw").
// Returns an unsubscribe function.
func (eb *EventBus) On(messageType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[messageType] == nil {
		eb.handlers[messageType] = make(map[uint64]EventHandler)
	}
	eb.handlers[messageType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[messageType], id)
	}
}

// OnAll registers a handler that receives all messages.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends a message to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(msg Message) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[msg.Type()])+len(eb.allHandlers))
	for _, h := range eb.handlers[msg.Type()] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", msg.Type(), "panic", r)
				}
			}()
			h(msg)
		}()
	}
}
