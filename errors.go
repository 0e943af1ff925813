package vigil

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for handling policy: validation and
// not-found surface to the caller, upstream errors degrade or retry,
// storage errors propagate, internal errors indicate a bug.
type ErrorKind int

const (
	// KindUnknown is the zero kind for errors created outside this package.
	KindUnknown ErrorKind = iota

	// KindValidation marks malformed input. No state was changed.
	KindValidation

	// KindNotFound marks a missing or soft-deleted referent.
	KindNotFound

	// KindUpstream marks a non-2xx or malformed response from a remote
	// collaborator (LM, embeddings, directions, push).
	KindUpstream

	// KindStorage marks a database failure.
	KindStorage

	// KindInternal marks a violated invariant.
	KindInternal
)

// String returns the kind's name for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a kinded error. It wraps an optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Upstreamf creates an upstream error wrapping cause (which may be nil).
func Upstreamf(cause error, format string, args ...any) error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Storagef creates a storage error wrapping the driver error.
func Storagef(cause error, format string, args ...any) error {
	return &Error{Kind: KindStorage, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Internalf creates an internal error.
func Internalf(format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
