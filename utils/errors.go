// Package utils contains error constructors, numeric helpers and parallel work helpers
// shared by the segmentation and vocabulary packages.
package utils

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidState is returned when an operation is called before its preconditions hold,
// e.g. appending to a tree that was never built.
var ErrInvalidState = errors.New("invalid state")

// NewPreconditionError reports that op was called in a state that does not allow it. The
// returned error matches ErrInvalidState with errors.Is.
func NewPreconditionError(op, msg string) error {
	return errors.Wrapf(ErrInvalidState, "%s: %s", op, msg)
}

// InvariantViolation is the panic value used when internal bookkeeping is found to be
// inconsistent. It is never returned as an error.
type InvariantViolation struct {
	msg string
}

func (iv *InvariantViolation) Error() string {
	return "invariant violation: " + iv.msg
}

// NewInvariantViolationError creates the panic value for a broken internal invariant.
func NewInvariantViolationError(format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{msg: fmt.Sprintf(format, args...)}
}
