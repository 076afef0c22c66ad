package interfaces

import "context"

// EventPublisher emits domain events to the configured stream. Publishing is
// best-effort from the processor's perspective: a publish failure never
// changes a transaction outcome.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
	Close() error
}
