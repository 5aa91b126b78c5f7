package api

import (
	"context"

	"todo-api/domain"
)

// Todos is the service surface the handlers depend on.
type Todos interface {
	CreateTodo(ctx context.Context, task string, caller domain.Caller) (domain.Todo, error)
	GetTodo(ctx context.Context, id string, caller domain.Caller) (domain.Todo, error)
	ListVisible(ctx context.Context, caller domain.Caller) ([]domain.Todo, error)
	ListPublic(ctx context.Context) ([]domain.Todo, error)
	ListMine(ctx context.Context, caller domain.Caller) ([]domain.Todo, error)
	ToggleCompleted(ctx context.Context, id string, caller domain.Caller) (domain.Todo, error)
	SetCompleted(ctx context.Context, id string, caller domain.Caller, completed bool) (domain.Todo, error)
	DeleteTodo(ctx context.Context, id string, caller domain.Caller) error
	Ready(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// IdempotencyStore remembers which todo a client supplied Idempotency-Key
// produced so retried creates return the original item.
type IdempotencyStore interface {
	// Reserve claims key for scope. When the key was already used it returns
	// the todo id bound to it, or an empty id while the first request is
	// still in flight.
	Reserve(ctx context.Context, scope, key string) (existingID string, reserved bool, err error)
	// Bind records the todo created under a reserved key.
	Bind(ctx context.Context, scope, key, todoID string) error
	// Release drops a reservation whose request failed so the client may retry.
	Release(ctx context.Context, scope, key string) error
}

// Options tunes route behaviour.
type Options struct {
	// RequireAuth rejects anonymous list-all and create requests.
	RequireAuth bool
	Idempotency IdempotencyStore
}
