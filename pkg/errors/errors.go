package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")

	// ErrTransient marks failures worth retrying (rate limits, 5xx, timeouts).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent failure")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// treated as transient since they are usually network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation) {
		return false
	}
	return true
}
