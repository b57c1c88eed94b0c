package keylock

import (
	"errors"
)

var (
	// Lifecycle errors
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyDestroyed       = errors.New("key has been destroyed")
	ErrRotationInProgress = errors.New("key rotation already in progress")

	// Authority errors
	ErrKeyUnavailable = errors.New("key authority unavailable")

	// Integrity errors
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// IsRetryableError returns true if the error represents a transient failure
// that might succeed on retry with backoff. Integrity and not-found errors
// are never retryable.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrKeyUnavailable)
}

// IsNotFoundError returns true if the error means no key material can ever
// be resolved for the requested id, either because it never existed or
// because it was crypto-shredded.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrKeyDestroyed)
}

// IsAuthError returns true if the error represents an authentication or
// integrity verification failure. These are never downgraded or retried.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsConfigurationError returns true if the error represents a configuration
// problem that must be fixed by the caller.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
