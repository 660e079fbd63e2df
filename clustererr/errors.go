// Package clustererr defines the error kinds raised across the clusterwide
// configuration applier. Every public operation that can fail returns one of
// these instead of a bare error, so callers (and the peer RPC layer) can
// branch on Kind without parsing messages.
package clustererr

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	// ConfigLoad is raised on file I/O, parse, or inlined-file failures.
	ConfigLoad Kind = "ConfigLoad"
	// ConfigFetch is raised when a peer RPC during bootstrap fetch fails.
	ConfigFetch Kind = "ConfigFetch"
	// ConfigValidate is raised by structural or role-level validation.
	ConfigValidate Kind = "ConfigValidate"
	// ConfigApply is raised by the local apply pipeline, a commit rename, or
	// any peer commit call.
	ConfigApply Kind = "ConfigApply"
	// Rollback is reserved for manual rollback tooling.
	Rollback Kind = "Rollback"
	// Failover is raised when a failover worker step fails.
	Failover Kind = "Failover"
	// Atomic is raised on a re-entrant PatchClusterwide call.
	Atomic Kind = "Atomic"
	// RegisterRole is raised on a duplicate or unloadable role.
	RegisterRole Kind = "RegisterRole"
)

// Error wraps a Kind, a human message and an optional cause.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

// As is a thin wrapper over errors.As kept local so callers only need to
// import this package for the common case.
func As(err error, target **Error) bool {
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
