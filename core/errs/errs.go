// Package errs defines the shared error-kind vocabulary used across the
// core so that tool-result JSON and debug logs speak one taxonomy instead
// of each package inventing its own.
package errs

import "fmt"

// Kind classifies a tool or compaction failure into one of six categories.
type Kind string

const (
	KindParseError       Kind = "parse_error"
	KindValidationFailed Kind = "validation_failed"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindIOError          Kind = "io_error"
	KindInternalError    Kind = "internal_error"
)

// Error pairs a Kind with a human-readable message. It implements error so
// it can be wrapped/unwrapped with the standard library like any other.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
