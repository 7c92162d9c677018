// Package apierr is the REST surface's error catalog. Every error a handler
// returns carries a stable machine-readable code, an HTTP status, and a
// client-facing message; the underlying cause is kept for logs and
// errors.Is/As chains but never serialized.
package apierr

import "fmt"

// Error is one catalog entry instance.
type Error struct {
	code    Code
	message string
	status  int
	cause   error
}

// New builds an Error with no underlying cause.
func New(code Code, status int, message string) *Error {
	return &Error{code: code, message: message, status: status}
}

// Wrap builds an Error around a cause.
func Wrap(code Code, status int, message string, cause error) *Error {
	return &Error{code: code, message: message, status: status, cause: cause}
}

// Error includes the cause, so it is suitable for logs but not for clients.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the machine-readable catalog code.
func (e *Error) Code() Code { return e.code }

// Message returns the client-facing message.
func (e *Error) Message() string { return e.message }

// Status returns the HTTP status the handler writes.
func (e *Error) Status() int { return e.status }

// ErrorResponse is the JSON body clients receive.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the code and message inside an ErrorResponse.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Response converts the error to its wire form. The cause stays in-process.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    e.code,
			Message: e.message,
		},
	}
}
