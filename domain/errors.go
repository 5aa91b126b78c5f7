package domain

import "errors"

var (
	// ErrInvalidInput marks a client-correctable request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthenticated marks a missing or rejected bearer token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden marks a valid identity acting on an item it does not own.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates that no item exists under the requested id.
	ErrNotFound = errors.New("todo not found")
	// ErrStorageUnavailable wraps transient backing store failures. Callers
	// may retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
