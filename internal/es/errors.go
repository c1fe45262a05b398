package es

import (
	"errors"
	"fmt"
)

// Error is the typed error returned by the event store, the runners and the
// rebuild coordinator.
//
// Error carries a Code for programmatic handling and optional context about
// the affected stream or projection. Use errors.Is with the sentinel values
// below (ErrConcurrencyConflict, ErrNotFound, ...) to match on Code.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Stream identifies the aggregate stream for store errors.
	Stream string

	// Projection identifies the projection for runner and rebuild errors.
	Projection string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// CodeConcurrencyConflict: expected stream version did not match.
	CodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"

	// CodeValidation: malformed event or request. Never retried.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeNotFound: unknown projection, failure or event.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeHandlerFailure: a projection handler returned an error.
	CodeHandlerFailure ErrorCode = "HANDLER_FAILURE"

	// CodeRebuildInProgress: a live rebuild already holds the projection.
	CodeRebuildInProgress ErrorCode = "REBUILD_IN_PROGRESS"

	// CodeAlreadyRunning: a live runner holds the projection lease.
	CodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"

	// CodeRebuildRequired: the projection failed during a rebuild and only a
	// new rebuild can bring it back.
	CodeRebuildRequired ErrorCode = "REBUILD_REQUIRED"

	// CodeLeaseLost: the lease expired and was taken by another worker.
	CodeLeaseLost ErrorCode = "LEASE_LOST"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrConcurrencyConflict = &Error{Code: CodeConcurrencyConflict}
	ErrValidation          = &Error{Code: CodeValidation}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrHandlerFailure      = &Error{Code: CodeHandlerFailure}
	ErrRebuildInProgress   = &Error{Code: CodeRebuildInProgress}
	ErrAlreadyRunning      = &Error{Code: CodeAlreadyRunning}
	ErrRebuildRequired     = &Error{Code: CodeRebuildRequired}
	ErrLeaseLost           = &Error{Code: CodeLeaseLost}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	switch {
	case e.Stream != "":
		msg = fmt.Sprintf("%s (stream=%s)", msg, e.Stream)
	case e.Projection != "":
		msg = fmt.Sprintf("%s (projection=%s)", msg, e.Projection)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NewConcurrencyConflict reports an optimistic concurrency mismatch on stream.
func NewConcurrencyConflict(stream StreamID, expected, actual int64) *Error {
	return &Error{
		Code:    CodeConcurrencyConflict,
		Message: fmt.Sprintf("expected version %d, stream is at %d", expected, actual),
		Stream:  stream.String(),
	}
}

// NewValidationError reports a malformed event or request.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports an unknown entity of the given kind.
func NewNotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// NewHandlerFailure wraps an error returned by a projection handler.
func NewHandlerFailure(projection string, position int64, err error) *Error {
	return &Error{
		Code:       CodeHandlerFailure,
		Message:    fmt.Sprintf("apply event at position %d", position),
		Projection: projection,
		Err:        err,
	}
}

// NewProjectionError builds a projection-scoped error with the given code.
func NewProjectionError(code ErrorCode, projection, message string) *Error {
	return &Error{Code: code, Message: message, Projection: projection}
}

// IsConcurrencyConflict returns true if err is a concurrency conflict.
func IsConcurrencyConflict(err error) bool {
	return CodeOf(err) == CodeConcurrencyConflict
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
