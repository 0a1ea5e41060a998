package app

import (
	"fmt"
	"net/http"
)

// DomainError is a service-layer failure that already knows its HTTP
// shape. mapError passes it through unchanged, so handlers never translate
// sheet or lock failures by hand.
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// conflictError names who holds the contended resource, matching the
// lock-conflict wording on the socket side.
func conflictError(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}
