package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error the HTTP layer can render directly: it carries the
// status code and a stable machine-readable code alongside the message.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
}

// errTaskNotFound covers both a genuinely missing task and an access denial:
// a caller outside a task's visibility set cannot learn that the task exists.
func errTaskNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Task not found")
}

func errShareNotFound() *DomainError {
	return domainError(http.StatusNotFound, "SHARE_NOT_FOUND", "Share not found")
}

func errInvalidCredentials() *DomainError {
	return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
}
