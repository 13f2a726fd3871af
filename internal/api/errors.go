package api

import (
	"errors"
	"net/http"

	"github.com/issuewatch/issuewatch-api/internal/domain"
	"github.com/issuewatch/issuewatch-api/internal/service"
	"github.com/issuewatch/issuewatch-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authorization errors
	case errors.Is(err, service.ErrNotOwned):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, store.ErrReportNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, domain.ErrReportCanceled),
		errors.Is(err, domain.ErrReportComplete):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrInvalidRepoURL),
		errors.Is(err, domain.ErrEmptyKeyword),
		errors.Is(err, domain.ErrEmptyReportEmail),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrNotOwned):
		return "You do not have access to this report"

	case errors.Is(err, store.ErrReportNotFound):
		return "Report not found"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrDuplicate):
		return "A report for this repository and keyword already exists"

	case errors.Is(err, domain.ErrReportCanceled):
		return "Report has been canceled"

	case errors.Is(err, domain.ErrReportComplete):
		return "Report is already complete"

	case errors.Is(err, domain.ErrInvalidRepoURL):
		return "Repository URL must be a github.com repository"

	case errors.Is(err, domain.ErrEmptyKeyword):
		return "Keyword cannot be empty"

	case errors.Is(err, domain.ErrEmptyReportEmail):
		return "User email cannot be empty"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
