package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// This is a generic version of the entity-specific not found errors
	// (e.g., ErrReportNotFound, ErrTaskNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a second lock row for the same name).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed is returned when an update operation fails, for example
	// because the entity does not exist or the update violates constraints.
	ErrUpdateFailed = errors.New("update failed")

	// ErrConflict is returned when a write loses a race with a concurrent
	// writer (serialization failure or optimistic concurrency conflict).
	// Callers may retry a bounded number of times.
	ErrConflict = errors.New("write conflict")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrReportNotFound indicates that the requested report does not exist in the store.
	ErrReportNotFound = fmt.Errorf("%w: report", ErrNotFound)

	// ErrTaskNotFound indicates that the requested analysis task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: analysis task", ErrNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error is a retryable write conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}
