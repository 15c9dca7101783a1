package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies RPC failures for the wire boundary. All kinds map
// to a failed response; the kind decides logging and message shaping.
type ErrorKind int

const (
	// KindPrecondition covers scene/project not open, state machine
	// mismatches and unknown ids.
	KindPrecondition ErrorKind = iota
	// KindLocking covers CannotLock / CannotUnlock / SomethingLocked.
	KindLocking
	// KindValidation covers type mismatches, name collisions, malformed
	// identifiers, invalid logic graphs and duplicate flow outputs.
	KindValidation
	// KindExternal covers unreachable or failing collaborators; the
	// underlying message is surfaced verbatim under a wrapping prefix.
	KindExternal
	// KindInternal covers contract violations. Logged with stacktrace,
	// surfaced as a generic failure.
	KindInternal
)

// Error is the typed failure raised by RPC handlers and converted to a
// failed response at the wire boundary.
type Error struct {
	Kind     ErrorKind
	Messages []string
	wrapped  error
}

func (e *Error) Error() string {
	return strings.Join(e.Messages, "; ")
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, messages ...string) *Error {
	return &Error{Kind: kind, Messages: messages}
}

// Preconditionf creates a precondition failure.
func Preconditionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPrecondition, Messages: []string{fmt.Sprintf(format, args...)}}
}

// Validationf creates a validation failure.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Messages: []string{fmt.Sprintf(format, args...)}}
}

// Lockingf creates a locking failure.
func Lockingf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindLocking, Messages: []string{fmt.Sprintf(format, args...)}}
}

// External wraps a collaborator failure, naming the collaborator so UIs
// can attribute the message.
func External(collaborator string, err error) *Error {
	return &Error{
		Kind:     KindExternal,
		Messages: []string{fmt.Sprintf("%s: %s", collaborator, err.Error())},
		wrapped:  err,
	}
}

// Internalf creates an internal failure. The wire message is generic; the
// detail stays in the log.
func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Messages: []string{fmt.Sprintf(format, args...)}}
}

// AsError extracts a typed *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// FailureResponse converts an error into a failed response for the given
// request. Internal errors are masked with a generic message.
func FailureResponse(name string, id uint64, err error) *Response {
	if e, ok := AsError(err); ok {
		if e.Kind == KindInternal {
			return NewFailure(name, id, "Internal server error.")
		}
		return NewFailure(name, id, e.Messages...)
	}
	return NewFailure(name, id, err.Error())
}
