package service

import (
	"errors"
	"fmt"
)

// Common service errors checked by callers with errors.Is. The API
// layer maps them to HTTP status codes.
var (
	// ErrNotOwned indicates a resource belongs to a different user than
	// the one making the request. Maps to 403.
	ErrNotOwned = errors.New("resource is owned by another user")
)

// ReportServiceError wraps unexpected failures with the operation that
// produced them.
type ReportServiceError struct {
	Operation string
	Message   string
	Err       error
}

func (e *ReportServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("report service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ReportServiceError) Unwrap() error {
	return e.Err
}

// NewReportServiceError creates a new ReportServiceError.
func NewReportServiceError(operation, message string, err error) *ReportServiceError {
	return &ReportServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
