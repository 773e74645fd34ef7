// Package apperr defines the exhaustive set of domain error kinds shared by
// the manager, the proxy, and the manager client, so that callers branch on
// a typed Kind rather than matching error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a domain error.
type Kind int

const (
	// Unknown is the zero value; it should never be constructed deliberately.
	Unknown Kind = iota
	ValidationError
	NotFound
	Exists
	AlreadyRunning
	NotRunning
	ProviderInitializing
	NotEnoughFreeMemory
	AuthFailed
	UpstreamTimeout
	TransportError
)

func (k Kind) String() string {
	switch k {
	case ValidationError:
		return "ValidationError"
	case NotFound:
		return "NotFound"
	case Exists:
		return "Exists"
	case AlreadyRunning:
		return "AlreadyRunning"
	case NotRunning:
		return "NotRunning"
	case ProviderInitializing:
		return "ProviderInitializing"
	case NotEnoughFreeMemory:
		return "NotEnoughFreeMemory"
	case AuthFailed:
		return "AuthFailed"
	case UpstreamTimeout:
		return "UpstreamTimeout"
	case TransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// Error is a domain error carrying a Kind for status-code mapping plus a
// human-readable message and an optional wrapped cause.
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

// Is makes errors.Is(err, apperr.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

// WrapMsg constructs an Error of the given kind with a message and cause.
func WrapMsg(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, else
// reports Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
