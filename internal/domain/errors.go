package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreWriteFailed means a direct write to the durable store did not succeed.
	// The action is not reflected anywhere and the sender is told.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrSubscriptionFailed means a feed channel could not be established after retries.
	// Control events may be missed until it reconnects.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrDuplicateDropped is informational: the identity was already applied.
	ErrDuplicateDropped = errors.New("duplicate dropped")

	// ErrStaleControlEvent is returned for control events arriving after session end.
	ErrStaleControlEvent = errors.New("stale control event")

	// ErrInvalidTransition is absorbed the same way as a duplicate.
	ErrInvalidTransition = fmt.Errorf("invalid transition: %w", ErrDuplicateDropped)

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrValidation      = errors.New("validation failed")
	ErrPolicyBlocked   = errors.New("blocked by policy")
)

// Validationf returns an ErrValidation wrapping the formatted detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsDropped reports whether err is bookkeeping that callers should absorb silently.
func IsDropped(err error) bool {
	return errors.Is(err, ErrDuplicateDropped) || errors.Is(err, ErrStaleControlEvent)
}
