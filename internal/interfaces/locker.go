package interfaces

import "context"

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventPublisher emits domain events keyed by entity id.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}
