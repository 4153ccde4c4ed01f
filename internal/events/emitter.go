package events

import (
	"log/slog"
	"sync"
)

// Handler receives the payload published with Emit.
type Handler func(payload any)

// Emitter is a minimal ordered publish/subscribe surface. Handlers for an
// event run synchronously in registration order; a panicking handler is
// recovered and logged so the remaining handlers still run.
type Emitter struct {
	log *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[string][]subscription
}

type subscription struct {
	id int
	fn Handler
}

func NewEmitter(log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		log:      log,
		handlers: make(map[string][]subscription),
	}
}

// On registers a handler and returns its unsubscribe function.
func (e *Emitter) On(event string, fn Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.handlers[event]
		for i, s := range subs {
			if s.id == id {
				e.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers payload to every handler registered for event, in order.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.Lock()
	subs := make([]subscription, len(e.handlers[event]))
	copy(subs, e.handlers[event])
	e.mu.Unlock()

	for _, s := range subs {
		e.dispatch(event, s, payload)
	}
}

func (e *Emitter) dispatch(event string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	s.fn(payload)
}
