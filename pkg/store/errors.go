package store

import "errors"

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidStatus is returned for a status outside the task lifecycle.
	ErrInvalidStatus = errors.New("invalid task status")
)
