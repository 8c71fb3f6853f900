package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidAmount       = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrClaimNotFound       = fmt.Errorf("claim %w", ErrNotFound)
	ErrAlreadyVerified     = errors.New("item already verified")
	ErrAlreadyReleased     = errors.New("bounty already released")
	ErrAlreadyResolved     = errors.New("claim already resolved")
	ErrItemAlreadyResolved = errors.New("item already resolved for a different finder")
	ErrNotVerified         = errors.New("item not verified for recipient")
	ErrTransient           = errors.New("ledger unavailable")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRetryable reports whether err belongs to the only retryable class. A ledger
// call that timed out is retryable, but its outcome is unknown.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
