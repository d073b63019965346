package app

import "fmt"

// DomainError is an operation failure the HTTP boundary knows how to
// present: a status code, a stable machine code, and a user-facing
// message. Anything else surfacing from the service layer is treated
// as a server error.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
