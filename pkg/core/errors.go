package core

import (
	"context"
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrValidation indicates that a request was rejected before any work was done.
	ErrValidation = errors.New("invalid request")

	// ErrDependencyTimeout indicates that a store or the classifier missed its deadline.
	ErrDependencyTimeout = errors.New("dependency timed out")

	// ErrDependencyUnavailable indicates that a store or the classifier failed.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrCacheMiss indicates that an insight was served from its default. It is
	// informational and never returned to callers.
	ErrCacheMiss = errors.New("insight cache miss")

	// ErrWriteFailure indicates that a persistence write failed. It is only logged.
	ErrWriteFailure = errors.New("write failed")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// EngineError wraps errors with operation context.
//
// Example:
//
//	err := &EngineError{Op: "BuildContext", Err: ErrValidation}
//	// Error() returns: "powerfuse: BuildContext: invalid request"
type EngineError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns "powerfuse: <Op>: <Err>".
func (e *EngineError) Error() string {
	return fmt.Sprintf("powerfuse: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err with the operation name. It returns nil for a nil err:
//
//	if err != nil {
//	    return NewEngineError("BuildContext", err)
//	}
func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

// validationError joins ErrValidation with a reason.
func validationError(op, format string, args ...interface{}) error {
	return NewEngineError(op, fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

// Classify maps a dependency failure onto ErrDependencyTimeout or ErrDependencyUnavailable.
// Errors that already carry one of the engine sentinels are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDependencyTimeout),
		errors.Is(err, ErrDependencyUnavailable), errors.Is(err, ErrWriteFailure),
		errors.Is(err, ErrCacheMiss), errors.Is(err, ErrInvalidConfig):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrDependencyTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
}
