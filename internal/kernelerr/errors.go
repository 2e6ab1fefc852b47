// Package kernelerr defines the tagged error kinds shared by every
// component: validation failures, unavailable backends, backend
// subprocess failures, missing instances/leases, conflicts, pool
// capacity, and internal invariant breaks.
package kernelerr

import "fmt"

type Kind string

const (
	Validation  Kind = "validation"
	Unavailable Kind = "unavailable"
	Backend     Kind = "backend"
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Capacity    Kind = "capacity"
	Internal    Kind = "internal"
)

// Error is the concrete error type every component returns instead of
// an opaque error string. Kind classifies the failure and prefixes
// the Error() text the daemon reports.
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

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Backendf(cause error, format string, args ...any) *Error {
	return Wrap(Backend, fmt.Sprintf(format, args...), cause)
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Unavailablef(format string, args ...any) *Error {
	return New(Unavailable, fmt.Sprintf(format, args...))
}

func Capacityf(format string, args ...any) *Error {
	return New(Capacity, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from any error, defaulting to Internal for
// errors that didn't originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
