package timeseries

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks caller mistakes rejected before any store access.
	// These are not retryable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable marks a failed store read. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsRetryable reports whether err came from a store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
