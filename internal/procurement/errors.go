package procurement

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed input, a warehouse mismatch or an unknown sku.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrInvalidTransition indicates a status change not reachable from the current status.
	ErrInvalidTransition = errors.New("procurement: invalid state transition")
	// ErrAlreadyFinalized indicates the order was already received; retries need no action.
	ErrAlreadyFinalized = errors.New("procurement: receipt already finalized")
	// ErrPersistence indicates the store failed; nothing was applied.
	ErrPersistence = errors.New("procurement: persistence failure")
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrForbidden indicates the actor lacks a required permission.
	ErrForbidden = errors.New("procurement: forbidden")
	// ErrNoQuotes indicates an order has no quote to select.
	ErrNoQuotes = fmt.Errorf("%w: no quotes", ErrValidation)
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("procurement: invalid state transition %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
