package quotaplane

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrConfigUnavailable is returned when the initial config fetch fails.
	// Fatal at startup unless the caller retries.
	ErrConfigUnavailable = errors.New("quotaplane: config unavailable")

	// ErrStoreUnavailable marks a failed or timed-out store round trip.
	// The enforcer converts it to AllowedDegraded; it never reaches callers
	// of Check.
	ErrStoreUnavailable = errors.New("quotaplane: rate limit store unavailable")

	// ErrSubscriptionClosed is returned by a Subscription after Close.
	ErrSubscriptionClosed = errors.New("quotaplane: subscription closed")
)

// StoreError wraps a backend failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("quotaplane: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
