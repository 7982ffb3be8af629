package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a case or embedding id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	// It is never folded into an empty result.
	ErrUnavailable = errors.New("store unavailable")

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateID is returned when inserting under an id already present in the index.
	ErrDuplicateID = errors.New("duplicate embedding id")

	// ErrDimensionMismatch is matched by every DimensionMismatchError.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrStatusConflict is matched by every StatusConflictError.
	ErrStatusConflict = errors.New("status conflict")

	// ErrIndexLocked is returned when another process holds the index file.
	ErrIndexLocked = errors.New("embedding index is locked by another process")

	// ErrIndexIO is returned when the index file could not be persisted.
	// The in-memory index is rolled back before it is returned.
	ErrIndexIO = errors.New("index persistence failed")
)

// ValidationError reports malformed input, rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DimensionMismatchError indicates a vector of the wrong length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch || target == ErrValidation
}

// StatusConflictError reports a status change refused because the case was
// no longer in one of the expected statuses when the write happened.
type StatusConflictError struct {
	EmbeddingID int64
	Current     CaseStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("case %d is %s", e.EmbeddingID, e.Current)
}

func (e *StatusConflictError) Is(target error) bool { return target == ErrStatusConflict }
