package types

import "fmt"

// ErrorKind classifies a structured error so the API layer can map it to
// a status code without inspecting message text.
type ErrorKind string

const (
	ErrValidation         ErrorKind = "validation"
	ErrOutOfRange         ErrorKind = "out_of_range"
	ErrAuth               ErrorKind = "auth"
	ErrNotFound           ErrorKind = "not_found"
	ErrCapacity           ErrorKind = "capacity"
	ErrTimeout            ErrorKind = "timeout"
	ErrRuntimeUnavailable ErrorKind = "runtime_unavailable"
	ErrBuildRequired      ErrorKind = "build_required"
	ErrInternal           ErrorKind = "internal"
)

// Error is a structured error carried across component boundaries.
// Components return it verbatim; the API surfaces Kind as a status code
// and Message (plus Hint when set) to the caller.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a structured error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a structured error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors report ErrInternal.
func KindOf(err error) ErrorKind {
	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}

// Retryable reports whether a failure with this kind should be retried by
// the queue. Validation, out-of-range, auth, not-found and build-required
// failures are deterministic; retrying them cannot succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrValidation, ErrOutOfRange, ErrAuth, ErrNotFound, ErrBuildRequired:
		return false
	}
	return true
}
