// Package events implements a small synchronous pub/sub bus used to
// deliver button and cache notifications to the host without
// creating back-references between components.
package events

import (
	"log/slog"
	"sync"
)

// Event names emitted to the host.
const (
	ButtonPressed     = "button_pressed"
	ButtonReleased    = "button_released"
	ShortButtonPressed = "short_button_pressed"
	LongButtonPressed = "long_button_pressed"
	ButtonTimer1      = "button_timer_1"
	ButtonTimer2      = "button_timer_2"
	ButtonTimer3      = "button_timer_3"
	ButtonOperation   = "button_operation"
	Refreshed         = "refreshed"
)

// ButtonPressedBucket returns the "pressed_<k>" bucket event name for
// k in {0,1,2,3}.
func ButtonPressedBucket(k int) string {
	switch {
	case k <= 0:
		return "pressed_0"
	case k >= 3:
		return "pressed_3"
	default:
		names := [...]string{"pressed_0", "pressed_1", "pressed_2", "pressed_3"}
		return names[k]
	}
}

// Event is one notification delivered to subscribers.
type Event struct {
	Name    string
	Payload any
}

// Handler receives events of a subscribed type.
type Handler func(Event)

// Bus is a synchronous, panic-isolated pub/sub dispatcher.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	all      map[uint64]Handler
	nextID   uint64
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
		all:      make(map[uint64]Handler),
	}
}

// On subscribes fn to events named name. Returns an unsubscribe func.
func (b *Bus) On(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

// OnAll subscribes fn to every event regardless of name. Returns an
// unsubscribe func.
func (b *Bus) OnAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit delivers evt to every matching subscriber. Handler panics are
// recovered and logged so one bad subscriber cannot take down the
// engine's event-driven callers.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	named := make([]Handler, 0, len(b.handlers[evt.Name]))
	for _, h := range b.handlers[evt.Name] {
		named = append(named, h)
	}
	all := make([]Handler, 0, len(b.all))
	for _, h := range b.all {
		all = append(all, h)
	}
	b.mu.RUnlock()

	for _, h := range named {
		b.dispatch(h, evt)
	}
	for _, h := range all {
		b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", evt.Name, "recover", r)
		}
	}()
	h(evt)
}
