package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidTransition is returned when a status update would break a
	// ledger invariant, e.g. re-marking stage 1 after it succeeded or marking
	// stage 2 before stage 1 succeeded.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransactionFailed is returned by RunInTransaction when a transaction
	// cannot be started or committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrLedgerWrite marks a failure to persist progress. Callers must treat it
	// as fatal: continuing without a trustworthy ledger risks duplicate or lost work.
	ErrLedgerWrite = errors.New("ledger write failed")

	// ErrDocumentNotFound indicates that the identifier is not in the ledger.
	ErrDocumentNotFound = fmt.Errorf("%w: document", ErrNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal reports whether err means the ledger can no longer be trusted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLedgerWrite)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "document")
	Operation string // The operation that failed (e.g., "mark_stage1")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// WriteError wraps a persistence failure so that both ErrLedgerWrite and the
// underlying cause are visible to errors.Is.
func WriteError(operation, identifier string, err error) error {
	return NewStoreError("document", operation, identifier, errors.Join(ErrLedgerWrite, err))
}
