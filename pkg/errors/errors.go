package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrClaimLost reports that another processor owns the record. Callers skip, they do not retry.
	ErrClaimLost = errors.New("claim lost")

	// ErrTerminal marks structurally invalid input that retrying cannot fix.
	ErrTerminal = errors.New("terminal failure")
)

// IsRetryable reports whether an error should leave the owning record in place for a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrValidation)
}
