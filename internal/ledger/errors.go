package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned when a mutation is requested with a
	// non-positive amount.
	ErrInvalidAmount = errors.New("amount must be a positive number of cents")

	// ErrTopUpNotFound is returned when a webhook references an unknown
	// pending top-up.
	ErrTopUpNotFound = errors.New("pending top-up not found")
)

// InsufficientCreditError is returned when a deduction exceeds the
// customer's remaining balance. It is an expected outcome, not a fault.
type InsufficientCreditError struct {
	RemainingCents int64
	RequestedCents int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: %d cents remaining, %d cents requested", e.RemainingCents, e.RequestedCents)
}

// PaymentProcessingError wraps a processor charge failure.
type PaymentProcessingError struct {
	Provider string
	Err      error
}

func (e *PaymentProcessingError) Error() string {
	return fmt.Sprintf("%s payment processing failed: %v", e.Provider, e.Err)
}

func (e *PaymentProcessingError) Unwrap() error {
	return e.Err
}
