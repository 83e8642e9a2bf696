// Package errs defines the error taxonomy shared by every warden component
// and the mapping from error kind to hook exit status.
//
// Four kinds exist:
//
//	ProtocolError      malformed hook event, rejected before any processing
//	SecurityViolation  dangerous command, protected file or boundary escape
//	WorkspaceError     isolated workspace creation, removal or corruption
//	CoordinationError  lock conflicts and registry failures
//
// Security violations and protocol errors are never retried. Workspace and
// coordination errors carry a Transient flag that callers may use to retry a
// bounded number of times.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for exit-status and retry decisions.
type Kind string

const (
	KindProtocol     Kind = "protocol"
	KindSecurity     Kind = "security"
	KindWorkspace    Kind = "workspace"
	KindCoordination Kind = "coordination"
	KindInternal     Kind = "internal"
)

// Hook exit statuses. The host agent treats 2 as a block and surfaces stderr
// to the model; any other non-zero status is an internal error.
const (
	ExitAllow    = 0
	ExitInternal = 1
	ExitBlock    = 2
	ExitProtocol = 3
)

// Error is a classified error with a user-facing reason and an optional
// remediation hint. Err holds the underlying cause for logs and errors.Is.
type Error struct {
	Kind       Kind
	Op         string
	Reason     string
	Suggestion string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Protocol wraps err as a malformed-event error.
func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Reason: "malformed hook event: " + err.Error(), Err: err}
}

// Security builds a security violation. Security violations always block.
func Security(reason, suggestion string) *Error {
	return &Error{Kind: KindSecurity, Reason: reason, Suggestion: suggestion}
}

// Workspace wraps err as a workspace lifecycle error.
func Workspace(op string, err error, transient bool) *Error {
	return &Error{Kind: KindWorkspace, Op: op, Err: err, Transient: transient}
}

// Coordination wraps err as a coordination error. Lock conflicts are
// transient: the caller may retry once the holder releases.
func Coordination(op string, err error, transient bool) *Error {
	return &Error{Kind: KindCoordination, Op: op, Err: err, Transient: transient}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is marked retryable. Security and protocol
// errors are never transient.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == KindSecurity || e.Kind == KindProtocol {
		return false
	}
	return e.Transient
}

// SuggestionOf returns the remediation hint carried by err, if any.
func SuggestionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Suggestion
	}
	return ""
}

// ExitCode maps err to a hook exit status for a pre-execution event.
// Workspace and coordination failures block, because an operation whose
// isolation could not be established must not run.
func ExitCode(err error) int {
	if err == nil {
		return ExitAllow
	}
	switch KindOf(err) {
	case KindProtocol:
		return ExitProtocol
	case KindSecurity, KindWorkspace, KindCoordination:
		return ExitBlock
	default:
		return ExitInternal
	}
}
