package core

import (
	"net/netip"
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventRouteInstalled EventType = iota
	EventRouteRemoved
	EventRouteFailed
	EventProcessAttached
	EventProcessDetached
	EventConfigReloaded
)

func (t EventType) String() string {
	switch t {
	case EventRouteInstalled:
		return "route_installed"
	case EventRouteRemoved:
		return "route_removed"
	case EventRouteFailed:
		return "route_failed"
	case EventProcessAttached:
		return "process_attached"
	case EventProcessDetached:
		return "process_detached"
	case EventConfigReloaded:
		return "config_reloaded"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// RoutePayload is the payload for route events.
type RoutePayload struct {
	Address netip.Addr
	PID     uint32 // attached process whose tick caused the change; 0 for purge
	Err     error  // set for EventRouteFailed
}

// ProcessPayload is the payload for process attach/detach events.
type ProcessPayload struct {
	PID     uint32
	Session string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for the given event types.
func (eb *EventBus) Subscribe(h Handler, types ...EventType) {
	eb.mu.Lock()
	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], h)
	}
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
// A nil bus drops the event.
func (eb *EventBus) Publish(e Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
