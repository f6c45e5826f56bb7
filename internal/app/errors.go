package app

import (
	"fmt"
	"net/http"
)

// DomainError is the single error shape the HTTP layer renders. Status maps
// directly to the response code; Code is the machine-readable taxonomy tag.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func permissionError(message string) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", message, nil)
}

func conflictError(message string, details any) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, details)
}

func sessionExpiredError(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "SESSION_EXPIRED", message, nil)
}

func transientError(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "TRANSIENT_ERROR", message, nil)
}
