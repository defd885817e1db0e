// Package hooks dispatches conversation lifecycle events to in-process
// handlers and configured shell commands.
package hooks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/soyeahso/strand/internal/logging"
)

// Lifecycle events. Lineage emits the conversation and turn events; the
// gateway emits its own start and stop.
const (
	EventConversationCreated = "conversation_created"
	EventConversationForked  = "conversation_forked"
	EventConversationResumed = "conversation_resumed"
	EventTurnStarted         = "turn_started"
	EventTurnCompleted       = "turn_completed"
	EventTurnFailed          = "turn_failed"
	EventStreamRetry         = "stream_retry"
	EventGatewayStart        = "gateway_start"
	EventGatewayStop         = "gateway_stop"
)

// AllEvents lists every event, in lifecycle order.
var AllEvents = []string{
	EventConversationCreated,
	EventConversationForked,
	EventConversationResumed,
	EventTurnStarted,
	EventTurnCompleted,
	EventTurnFailed,
	EventStreamRetry,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload is what a handler receives. Emit stamps Time.
type Payload struct {
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A returned error, or a panic, is logged and
// the remaining handlers still run.
type Handler func(ctx context.Context, p Payload) error

// Manager holds named handlers per event.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	now      func() time.Time
}

type namedHandler struct {
	name string
	fn   Handler
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
		now:      time.Now,
	}
}

// On appends a handler for event. Names need not be unique; Off removes
// every handler sharing one.
func (m *Manager) On(event, name string, h Handler) {
	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, fn: h})
	m.mu.Unlock()
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.handlers[event][:0:0]
	for _, h := range m.handlers[event] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(m.handlers, event)
		return
	}
	m.handlers[event] = kept
}

// Emit runs the event's handlers in registration order and returns when
// all of them have.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	handlers, p := m.prepare(event, data)
	for _, h := range handlers {
		m.call(ctx, h, p)
	}
}

// EmitAsync starts every handler on its own goroutine and returns at once.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	handlers, p := m.prepare(event, data)
	for _, h := range handlers {
		go m.call(ctx, h, p)
	}
}

func (m *Manager) prepare(event string, data map[string]any) ([]namedHandler, Payload) {
	m.mu.RLock()
	handlers := slices.Clone(m.handlers[event])
	m.mu.RUnlock()
	return handlers, Payload{Event: event, Time: m.now(), Data: data}
}

func (m *Manager) call(ctx context.Context, h namedHandler, p Payload) {
	defer func() {
		if v := recover(); v != nil {
			m.log.Error().Interface("panic", v).Str("event", p.Event).Str("handler", h.name).Msg("hook handler panicked")
		}
	}()
	if err := h.fn(ctx, p); err != nil {
		m.log.Warn().Err(err).Str("event", p.Event).Str("handler", h.name).Msg("hook handler failed")
	}
}

// Count returns the number of handlers registered for event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the events with at least one handler, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	events := make([]string, 0, len(m.handlers))
	for event := range m.handlers {
		events = append(events, event)
	}
	m.mu.RUnlock()
	slices.Sort(events)
	return events
}
