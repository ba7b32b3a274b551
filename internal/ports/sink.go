package ports

import (
	"context"

	"cryptoPaperBot/internal/domain"
)

// EventSink receives events from the emitter. Durable sinks are delivered
// synchronously before a mutating operation returns; lossy sinks are delivered
// best-effort in the background.
type EventSink interface {
	Name() string
	Durable() bool
	Deliver(ctx context.Context, event domain.Event) error
}

// EventPublisher is the narrow interface the core uses to publish events.
type EventPublisher interface {
	Emit(ctx context.Context, event domain.Event) error
}
