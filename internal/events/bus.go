// Package events provides a publish/subscribe bus for operational
// events. The agent loop and the auth gate publish; the websocket
// presenter and the metrics collector subscribe. The bus is nil-safe:
// Publish on a nil *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceAuth identifies events from the auth gate.
	SourceAuth = "auth"
	// SourceHealth identifies events from the connection watcher.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals a user message entering the loop.
	// Data: session_id, turn_id.
	KindTurnStart = "turn_start"
	// KindState signals a loop state transition.
	// Data: session_id, turn_id, state, iteration.
	KindState = "state"
	// KindPlan signals a planner reply.
	// Data: session_id, turn_id, iteration, invocations, elapsed_ms.
	KindPlan = "plan"
	// KindToolCall signals the start of a tool execution.
	// Data: session_id, turn_id, correlation_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, turn_id, correlation_id, tool, status, kind,
	// duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a turn.
	// Data: session_id, turn_id, iterations, outcome, kind, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindLogin signals a login attempt. Data: ok, session_id.
	KindLogin = "login"
	// KindLogout signals an explicit logout. Data: session_id.
	KindLogout = "logout"
	// KindSessionExpired signals a session removed for inactivity.
	// Data: session_id.
	KindSessionExpired = "session_expired"

	// KindServiceUp signals a watched service answering. Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched service failing its probe.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. A full
// subscriber misses the event; publishers never block.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to the subscriber so
	// Unsubscribe can find the send side.
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer. It is
// a no-op on a nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size buf. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
