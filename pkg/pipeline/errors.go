// Package pipeline implements the config-function orchestrator core: it
// discovers function declarations in a resource collection, resolves each
// invocation's directory scope, executes the plan sequentially through a
// function runner, merges scoped output back into the full collection, and
// aggregates structured results into a final exit status.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a pipeline error for failure-policy decisions.
type ErrorCategory string

const (
	// ErrorDeclarationParse indicates a malformed function annotation.
	// Fatal: discovery aborts before any invocation runs.
	ErrorDeclarationParse ErrorCategory = "declaration_parse"

	// ErrorScopeResolution indicates a missing or invalid anchor location.
	// Fatal: the run aborts.
	ErrorScopeResolution ErrorCategory = "scope_resolution"

	// ErrorRunnerInvocation indicates the runtime failed to start or its
	// output was unparsable. Subject to the per-invocation deferFailure
	// policy.
	ErrorRunnerInvocation ErrorCategory = "runner_invocation"

	// ErrorValidation indicates a well-formed response with a nonzero exit
	// status or error-severity results. Subject to deferFailure.
	ErrorValidation ErrorCategory = "validation"

	// ErrorPersistence indicates a sink write failure after the run
	// committed. Fatal, reported but never retried.
	ErrorPersistence ErrorCategory = "persistence"
)

// Error is a classified pipeline error with invocation context.
type Error struct {
	// Category is the error classification.
	Category ErrorCategory

	// Message is the human-readable error message.
	Message string

	// Function names the function invocation involved, if any.
	Function string

	// Path is the source path involved, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Function != "" {
		msg += fmt.Sprintf(" (function=%s)", e.Function)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

// WithFunction adds function context to the error.
func (e *Error) WithFunction(name string) *Error {
	e.Function = name
	return e
}

// WithPath adds source path context to the error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// newError creates a classified pipeline error.
func newError(category ErrorCategory, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// NewPersistenceError creates a sink write failure. Persistence failures are
// fatal after a successful run and are reported, not retried, since
// filesystem side effects are not safely idempotent to replay.
func NewPersistenceError(message string, err error) *Error {
	return newError(ErrorPersistence, message, err)
}

// category extracts the category of an error, or "" for unclassified errors.
func category(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// IsDeclarationParse reports whether err is a declaration parse failure.
func IsDeclarationParse(err error) bool { return category(err) == ErrorDeclarationParse }

// IsScopeResolution reports whether err is a scope resolution failure.
func IsScopeResolution(err error) bool { return category(err) == ErrorScopeResolution }

// IsRunnerInvocation reports whether err is a runner invocation failure.
func IsRunnerInvocation(err error) bool { return category(err) == ErrorRunnerInvocation }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return category(err) == ErrorValidation }

// IsPersistence reports whether err is a persistence failure.
func IsPersistence(err error) bool { return category(err) == ErrorPersistence }

// IsDeferrable reports whether the per-invocation deferFailure policy may
// apply to err. Parse, scope and persistence failures are always fatal.
func IsDeferrable(err error) bool {
	c := category(err)
	return c == ErrorRunnerInvocation || c == ErrorValidation
}
