package events

import "sync"

// Sink consumes events from a run. Implementations must tolerate events
// arriving from the goroutine driving the run; the core never emits
// concurrently from multiple goroutines.
type Sink interface {
	Emit(Event)
}

// Sinks fans one event out to several sinks in order.
type Sinks []Sink

func (s Sinks) Emit(e Event) {
	for _, sink := range s {
		sink.Emit(e)
	}
}

// Null discards every event.
type Null struct{}

func (Null) Emit(Event) {}

// Buffer retains events in memory, mainly for tests and for post-run
// consumers such as the JUnit writer.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

func (b *Buffer) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

// Events returns a snapshot of everything emitted so far.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// OfKind returns the buffered events matching kind, in arrival order.
func (b *Buffer) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range b.Events() {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
