package common

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a machine-readable error code exposed to the boundary layer.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeUnknown            Code = "UNKNOWN"
	CodeKeyUnavailable     Code = "KEY_UNAVAILABLE"
	CodeDecryptionFailed   Code = "DECRYPTION_FAILED"
	CodeEmptyPlaintext     Code = "EMPTY_PLAINTEXT"
	CodeUnknownEventType   Code = "UNKNOWN_EVENT_TYPE"
	CodeSchemaViolation    Code = "SCHEMA_VIOLATION"
	CodePIIDetected        Code = "PII_DETECTED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeStoreSaturated     Code = "STORE_SATURATED"
	CodeUniqueViolation    Code = "UNIQUE_VIOLATION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeSweepInProgress    Code = "SWEEP_IN_PROGRESS"
	CodeConfiguration      Code = "CONFIGURATION"
	CodeCanceled           Code = "CANCELED"
)

type codeMapping struct {
	err  error
	code Code
	grpc codes.Code
}

// Order matters: the first match wins.
var codeMappings = []codeMapping{
	{ErrDuplicateIdempotencyToken, CodeOK, codes.OK},
	{ErrKeyUnavailable, CodeKeyUnavailable, codes.Unavailable},
	{ErrKeyNotFound, CodeDecryptionFailed, codes.DataLoss},
	{ErrDecryptionFailed, CodeDecryptionFailed, codes.DataLoss},
	{ErrEmptyPlaintext, CodeEmptyPlaintext, codes.InvalidArgument},
	{ErrUnknownEventType, CodeUnknownEventType, codes.InvalidArgument},
	{ErrPIIDetected, CodePIIDetected, codes.InvalidArgument},
	{ErrSchemaViolation, CodeSchemaViolation, codes.InvalidArgument},
	{ErrStorageUnavailable, CodeStorageUnavailable, codes.Unavailable},
	{ErrStoreSaturated, CodeStoreSaturated, codes.ResourceExhausted},
	{ErrUniqueViolation, CodeUniqueViolation, codes.AlreadyExists},
	{ErrNotFound, CodeNotFound, codes.NotFound},
	{ErrSweepInProgress, CodeSweepInProgress, codes.Aborted},
	{ErrConflictingSchema, CodeConfiguration, codes.FailedPrecondition},
	{ErrTargetKeyMismatch, CodeConfiguration, codes.FailedPrecondition},
	{context.Canceled, CodeCanceled, codes.Canceled},
	{context.DeadlineExceeded, CodeCanceled, codes.DeadlineExceeded},
}

func lookup(err error) (codeMapping, bool) {
	for _, m := range codeMappings {
		if errors.Is(err, m.err) {
			return m, true
		}
	}
	return codeMapping{}, false
}

// CodeOf returns the machine-readable code for err. A nil error maps to
// CodeOK and anything unrecognised to CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if m, ok := lookup(err); ok {
		return m.code
	}
	return CodeUnknown
}

// Status converts err into a gRPC status whose message is the stable code,
// so the wrapped error text (which may name fields) stays server side.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, string(CodeOK))
	}
	if m, ok := lookup(err); ok {
		return status.New(m.grpc, string(m.code))
	}
	return status.New(codes.Internal, string(CodeUnknown))
}

// Retryable reports whether the operation that produced err may succeed
// when retried after a backoff.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeKeyUnavailable, CodeStorageUnavailable, CodeStoreSaturated:
		return true
	default:
		return false
	}
}
