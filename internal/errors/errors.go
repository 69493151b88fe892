package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies engine errors so callers can decide between surfacing,
// retrying the whole transaction, or retrying transparently with backoff.
type Code int

const (
	CodeOK Code = 0

	// Schema-time and request errors.
	CodeInvalidKey          Code = 1000
	CodeColocationMismatch  Code = 1001
	CodeDuplicateZone       Code = 1002
	CodeDuplicateTable      Code = 1003
	CodeNotFound            Code = 1004
	CodeZoneAttached        Code = 1005

	// Transaction errors.
	CodeConflict            Code = 2000
	CodeTransactionExpired  Code = 2001
	CodeTransactionFinished Code = 2002

	// Infrastructure errors.
	CodePartitionUnavailable     Code = 3000
	CodeAssignmentVersionClash   Code = 3001
	CodeCoordinatorCrashRecovery Code = 3002
	CodeInternal                 Code = 3003
)

// Error is a coded engine error. Two Errors match under errors.Is when
// their codes are equal, so the exported sentinels below can be used as
// targets regardless of the message carried by a concrete instance.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidKey               = New(CodeInvalidKey, "invalid key")
	ErrColocationMismatch       = New(CodeColocationMismatch, "colocation mismatch")
	ErrDuplicateZone            = New(CodeDuplicateZone, "zone already exists")
	ErrDuplicateTable           = New(CodeDuplicateTable, "table already exists")
	ErrNotFound                 = New(CodeNotFound, "not found")
	ErrZoneAttached             = New(CodeZoneAttached, "zone has attached tables")
	ErrConflict                 = New(CodeConflict, "write-write conflict")
	ErrTransactionExpired       = New(CodeTransactionExpired, "transaction expired")
	ErrTransactionFinished      = New(CodeTransactionFinished, "transaction already finished")
	ErrPartitionUnavailable     = New(CodePartitionUnavailable, "partition unavailable")
	ErrAssignmentVersionClash   = New(CodeAssignmentVersionClash, "assignment version clash")
	ErrCoordinatorCrashRecovery = New(CodeCoordinatorCrashRecovery, "coordinator crash recovery required")
)

// Is delegates to the standard library so callers importing this package
// do not also need a stdlib errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As delegates to the standard library.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// GetCode extracts the code from an error chain.
func GetCode(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether the condition is infrastructural and safe to
// retry transparently. Conflict and expiry are intentionally excluded:
// retrying those requires re-reading data, so they are surfaced.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodePartitionUnavailable, CodeAssignmentVersionClash:
		return true
	default:
		return false
	}
}
