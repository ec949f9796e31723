package domain

import (
	"errors"
	"fmt"
)

// Common domain errors.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrNilContract      = errors.New("row has no schema contract")
	ErrUnknownPlugin    = errors.New("no plugin registered for node type")
	ErrPipelineInvalid  = errors.New("invalid pipeline definition")
)

// InvariantError reports that one of the engine's own guarantees has been broken:
// a null contract reaching a coalesce point, a duplicate terminal outcome, a branch
// arriving at an already-merged join group, a checkpoint version mismatch. These are
// programmer or operator errors, never data-quality issues, and must abort the run
// rather than be converted into a routing decision.
type InvariantError struct {
	Op      string
	Message string
	Err     error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violated in %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Message)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// Invariant builds an InvariantError for the given operation.
func Invariant(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is (or wraps) an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
