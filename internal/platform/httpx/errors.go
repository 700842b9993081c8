// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/packtrace/packtrace/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Retryable failures are marked so a caller can safely re-issue the
// same idempotent request; business-rule failures are definitive.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrLocationMismatch):
		Problem(w, http.StatusConflict, "Location Mismatch", err.Error())
	case errors.Is(err, shared.ErrConversionNotAllowed):
		Problem(w, http.StatusUnprocessableEntity, "Conversion Not Allowed", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict):
		JSON(w, http.StatusConflict, ProblemDetail{
			Title:     "Concurrency Conflict",
			Status:    http.StatusConflict,
			Detail:    err.Error(),
			Retryable: true,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		JSON(w, http.StatusInternalServerError, ProblemDetail{
			Title:     "Internal Error",
			Status:    http.StatusInternalServerError,
			Retryable: shared.Retryable(err),
		})
	}
}
