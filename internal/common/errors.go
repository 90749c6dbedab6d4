// Package common defines the sentinel errors shared by the gophvault core
// and the machine-readable codes a boundary layer can act on. Callers
// should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Key service errors.
	ErrKeyUnavailable = errors.New("key unavailable")
	ErrKeyNotFound    = errors.New("key version not found")

	// Field codec errors.
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEmptyPlaintext    = errors.New("empty plaintext")
	ErrTargetKeyMismatch = errors.New("target key version is not the current key version")

	// Event validation errors. These are caller errors and are never persisted.
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrSchemaViolation   = errors.New("schema violation")
	ErrPIIDetected       = errors.New("pii detected")
	ErrConflictingSchema = errors.New("conflicting schema definition")

	// ErrDuplicateIdempotencyToken signals an already accepted submission.
	// The event store converts it into a successful no-op and CodeOf maps
	// it to CodeOK.
	ErrDuplicateIdempotencyToken = errors.New("duplicate idempotency token")

	// Storage errors.
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStoreSaturated     = errors.New("event store saturated")
	ErrUniqueViolation    = errors.New("unique constraint violation")

	// Retention errors.
	ErrSweepInProgress = errors.New("retention sweep already in progress")
)

// FieldError attaches the name of the offending field (and optionally the
// detector or constraint that fired) to a sentinel error. It never carries
// the offending value.
type FieldError struct {
	Field  string
	Detail string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: field %q", e.Err, e.Field)
	}
	return fmt.Sprintf("%v: field %q: %s", e.Err, e.Field, e.Detail)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// NewFieldError wraps err with field context.
func NewFieldError(err error, field, detail string) *FieldError {
	return &FieldError{Field: field, Detail: detail, Err: err}
}
