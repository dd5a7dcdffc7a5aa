// Package status defines the failure taxonomy surfaced by every asynchronous
// operation of the debugger control core.
//
// An operation either succeeds or completes with exactly one *Error carrying
// a Code, a human-readable message and an optional nested cause. Codes are
// stable across backend versions so that callers can branch on them:
//
//	if status.Is(err, status.NotSupported) {
//	    // fall back to the older code path
//	}
package status

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code int

const (
	// OK is the code of a nil error.
	OK Code = iota
	// InternalError is a pre-condition or service-wiring failure, for
	// example a required collaborator service that is not registered.
	InternalError
	// RequestFailed means the backend rejected a request or returned a
	// reply that cannot be used.
	RequestFailed
	// NotSupported means the capability is absent in this backend version.
	NotSupported
	// InvalidState means the operation is not valid in the current run or
	// trace state.
	InvalidState
	// InvalidHandle means a context of the wrong or unknown kind was passed.
	InvalidHandle
	// Cancelled means the caller aborted the operation.
	Cancelled
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case InternalError:
		return "internal-error"
	case RequestFailed:
		return "request-failed"
	case NotSupported:
		return "not-supported"
	case InvalidState:
		return "invalid-state"
	case InvalidHandle:
		return "invalid-handle"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a typed failure status.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Message is a human-readable description.
	Message string

	// Cause is the optional nested cause.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code.String() + ": " + e.Message
}

// Unwrap returns the nested cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code and either an
// empty or identical message. This lets the package-level sentinels match
// any error of their code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Sentinels usable with errors.Is.
var (
	ErrInternal      = &Error{Code: InternalError}
	ErrRequestFailed = &Error{Code: RequestFailed}
	ErrNotSupported  = &Error{Code: NotSupported}
	ErrInvalidState  = &Error{Code: InvalidState}
	ErrInvalidHandle = &Error{Code: InvalidHandle}
	ErrCancelled     = &Error{Code: Cancelled}
)

// New returns an error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf returns an error with the given code and a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code and message that nests cause.
func Wrap(code Code, cause error, message string) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error found in err's chain.
// A nil error is OK; an error without a status is an InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return InternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
