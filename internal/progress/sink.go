package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, and managers depend
// only on this interface.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(Event) {}
