package collab

import "fmt"

// Error codes surfaced to clients as error events and mapped to HTTP
// statuses by the REST fallback.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeConflict         = "CONFLICT"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeServerError      = "SERVER_ERROR"
)

type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func permissionDenied(message string) *OpError {
	return &OpError{Code: CodePermissionDenied, Message: message}
}

// lockConflict names the current holder so clients can render who is editing.
func lockConflict(holderName string) *OpError {
	return &OpError{Code: CodeConflict, Message: fmt.Sprintf("locked by %s", holderName)}
}

func notFound(message string) *OpError {
	return &OpError{Code: CodeNotFound, Message: message}
}

func invalidMessage(message string) *OpError {
	return &OpError{Code: CodeValidation, Message: message}
}

func serverError(message string) *OpError {
	return &OpError{Code: CodeServerError, Message: message}
}
