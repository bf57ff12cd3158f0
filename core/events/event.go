package events

import "loanescrow/core/types"

// Event is anything the escrow engine publishes.
type Event interface {
	EventType() string
}

// Typed is an event that carries a structured payload. Sinks that persist or
// stream events only handle Typed events.
type Typed interface {
	Event
	Event() *types.Event
}

// Emitter receives published events (event log, stream hub, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi forwards every event to each emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
