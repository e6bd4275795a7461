// Package events provides the in-process publish/subscribe bus decoupling
// domain state mutation from side effects (scheduling, outbound messages).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
//
// Subscribers come in two flavors. Sync subscribers run in the publisher's
// goroutine and are for state-machine-critical cascades (scheduling updates
// that must happen within the same pass as the state change). Async
// subscribers run in their own goroutine and never block the publisher;
// they are for notification-only work such as outbound messaging.
package events

import (
	"log/slog"
	"sync"

	"github.com/neurospicy/fibi/internal/recovery"
)

// Event is a domain event. Kind is used for subscription matching.
type Event interface {
	Kind() string
}

// Handler consumes one event.
type Handler func(Event)

// Bus dispatches events to subscribers by kind. The empty kind subscribes
// to everything.
type Bus struct {
	mu    sync.RWMutex
	sync  map[string][]Handler
	async map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		sync:  make(map[string][]Handler),
		async: make(map[string][]Handler),
	}
}

// SubscribeSync registers a handler that runs in the publisher's goroutine.
func (b *Bus) SubscribeSync(kind string, h Handler) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync[kind] = append(b.sync[kind], h)
}

// Subscribe registers a handler that runs asynchronously.
func (b *Bus) Subscribe(kind string, h Handler) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.async[kind] = append(b.async[kind], h)
}

// Publish delivers the event to all matching subscribers. Sync subscribers
// run first, in registration order; a panicking subscriber is isolated and
// logged, never crashing the publisher.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	syncHandlers := append(append([]Handler(nil), b.sync[ev.Kind()]...), b.sync[""]...)
	asyncHandlers := append(append([]Handler(nil), b.async[ev.Kind()]...), b.async[""]...)
	b.mu.RUnlock()

	slog.Debug("Bus publishing event", "kind", ev.Kind(), "sync", len(syncHandlers), "async", len(asyncHandlers))
	for _, h := range syncHandlers {
		func(h Handler) {
			defer recovery.LogPanic("event subscriber", "kind", ev.Kind())
			h(ev)
		}(h)
	}
	for _, h := range asyncHandlers {
		h := h
		go func() {
			defer recovery.LogPanic("event subscriber", "kind", ev.Kind())
			h(ev)
		}()
	}
}
