package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrOrderNotFound = errors.New("order not found")
	ErrValidation    = errors.New("validation error")

	// ErrInvalidTransition matches InvalidTransitionError under errors.Is.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateIdempotencyKey is returned by Repository.Create.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrStatusChanged is returned by Repository.UpdateStatus.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidTransitionError names the rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot change order status from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
