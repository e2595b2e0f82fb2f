package store

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations use.
var (
	// ErrNotFound indicates no spec exists for the given id.
	ErrNotFound = errors.New("consumer spec not found")

	// ErrAlreadyExists indicates a spec with the same id already exists.
	ErrAlreadyExists = errors.New("consumer spec already exists")

	// ErrStoreIO indicates the backing store failed.
	ErrStoreIO = errors.New("store backend failure")
)

// SpecError wraps store errors with the operation and spec id for context.
type SpecError struct {
	Op         string
	ConsumerID string
	Err        error
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("%s operation failed for consumer %s: %v", e.Op, e.ConsumerID, e.Err)
}

func (e *SpecError) Unwrap() error {
	return e.Err
}

// NewSpecError creates a spec error with context.
func NewSpecError(op, consumerID string, err error) *SpecError {
	return &SpecError{Op: op, ConsumerID: consumerID, Err: err}
}

// IsNotFound reports whether err indicates a missing spec.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err indicates an id collision.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsStoreIO reports whether err indicates a backend failure.
func IsStoreIO(err error) bool {
	return errors.Is(err, ErrStoreIO)
}
