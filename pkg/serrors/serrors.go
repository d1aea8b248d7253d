package serrors

import "fmt"

// Error is a stable, code-carrying error used across package boundaries.
// Code is machine-readable; Message is for humans; DocURL is optional.
type Error struct {
	Code    string
	Message string
	DocURL  string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, message, docURL string) *Error {
	return &Error{Code: code, Message: message, DocURL: docURL}
}
