package domain

import "context"

// Store persists todos in a table keyed by id with a secondary index by owner.
//
// Implementations report transport and service faults as
// ErrStorageUnavailable and missing items from Get as ErrNotFound.
type Store interface {
	Get(ctx context.Context, id string) (Todo, error)
	// Put inserts or fully replaces the item stored under t.ID.
	Put(ctx context.Context, t Todo) error
	// Delete removes the item. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	ListPublic(ctx context.Context) ([]Todo, error)
	ListByOwner(ctx context.Context, owner string) ([]Todo, error)
	Ping(ctx context.Context) error
}

// EventPublisher delivers todo change notifications to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
