// Package caronteerr defines the error kinds surfaced from the core
// pipeline, grounded on the error table of the specification's error
// handling design: InvalidInput, NotFound, Conflict, PreconditionFailed,
// Transient, Internal. Callers (notably internal/httpapi) map a Kind to a
// transport status code without string-sniffing error messages.
package caronteerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level handling.
type Kind int

const (
	// KindUnknown is the zero value; treated as Internal by callers that
	// switch on Kind without an explicit default.
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindTransient
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindTransient:
		return "transient"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so the transport layer can
// classify it without parsing text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, returning KindInternal if err does not
// carry one (an un-annotated error is treated as an invariant violation,
// never silently masked).
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func PreconditionFailed(format string, args ...any) *Error {
	return New(KindPreconditionFailed, fmt.Sprintf(format, args...))
}

func Transient(format string, args ...any) *Error {
	return New(KindTransient, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, fmt.Sprintf(format, args...))
}
