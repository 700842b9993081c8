package shared

import (
	"context"
	"errors"
	"net"
)

// Failure taxonomy shared across modules. Domain packages wrap these
// with their own prefix so errors.Is keeps working through layers.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a status change the transition table forbids.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrLocationMismatch indicates a scan issued from the wrong location.
	ErrLocationMismatch = errors.New("location mismatch")
	// ErrConversionNotAllowed indicates a tier edge missing from the catalog.
	ErrConversionNotAllowed = errors.New("conversion not allowed")
	// ErrConcurrencyConflict indicates a lost optimistic-version race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// Retryable reports whether a caller may re-issue the same request.
// Business-rule failures are definitive; lost version races and
// transport timeouts are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
