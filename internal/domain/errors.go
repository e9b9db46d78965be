package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidState           = errors.New("invalid state")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrNotCreditworthy        = errors.New("not creditworthy")
	ErrOverContribution       = errors.New("investment exceeds remaining target")
	ErrAlreadySettled         = errors.New("already settled")
	ErrVerificationFailed     = errors.New("verification failed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrIdempotencyMismatch    = errors.New("key reuse with mismatched payload")
)

// TransitionError is returned when an invoice is asked to move between two
// states the lifecycle does not connect.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition || target == ErrInvalidState
}
