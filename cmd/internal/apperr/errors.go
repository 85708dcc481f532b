// Package apperr is the client engine's error taxonomy.
//
// Every failure surfaced to a caller is an *Error whose Kind is one of the
// sentinels in kinds.go. errors.Is matches both the Kind and the wrapped cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg is human-readable and may be shown to the user; it never carries credentials.
type Error struct {
	Op     string
	Kind   error
	Status int    // HTTP status when the failure came from a response, else 0
	Code   string // backend error code when provided
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New builds an *Error without a cause.
func New(op string, kind error, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap builds an *Error around cause.
func Wrap(op string, kind error, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Validation is shorthand for a synchronous input rejection.
func Validation(op, msg string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Msg: msg}
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Message returns the user-facing message carried by err, or fallback.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return fallback
}

// IsUnauthorized reports whether err came from an HTTP 401.
func IsUnauthorized(err error) bool { return Status(err) == http.StatusUnauthorized }

// IsNetwork reports whether err represents ErrNetwork.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsSessionExpired reports whether err represents ErrSessionExpired.
func IsSessionExpired(err error) bool { return errors.Is(err, ErrSessionExpired) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsAuthRejected reports whether err represents ErrAuthRejected.
func IsAuthRejected(err error) bool { return errors.Is(err, ErrAuthRejected) }

// IsLinkFailure reports whether err represents ErrLinkFailure.
func IsLinkFailure(err error) bool { return errors.Is(err, ErrLinkFailure) }
