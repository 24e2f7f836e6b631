package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeInternal     ErrorType = "INTERNAL"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeNetwork      ErrorType = "NETWORK"
	ErrorTypeRemote       ErrorType = "REMOTE"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Unauthorized(message string) *Error {
	return &Error{
		Type:    ErrorTypeUnauthorized,
		Message: message,
		Code:    http.StatusUnauthorized,
	}
}

func Conflict(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: message,
		Code:    http.StatusConflict,
		Details: details,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

// Network wraps a transport failure (dial, TLS, timeout, broken body)
func Network(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeNetwork,
		Message: message,
		Err:     err,
	}
}

// Remote is a non-success HTTP status that has no dedicated type
func Remote(code int, message string) *Error {
	return &Error{
		Type:    ErrorTypeRemote,
		Message: message,
		Code:    code,
	}
}

// FromStatus maps an HTTP status and server message onto a typed error
func FromStatus(code int, message string) *Error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		e := Unauthorized(message)
		e.Code = code
		return e
	case http.StatusNotFound:
		return NotFound(message)
	case http.StatusConflict:
		return Conflict(message, nil)
	case http.StatusBadRequest:
		return ValidationError(message, nil)
	}
	return Remote(code, message)
}

func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

func IsUnauthorized(err error) bool { return TypeOf(err) == ErrorTypeUnauthorized }
func IsNotFound(err error) bool     { return TypeOf(err) == ErrorTypeNotFound }
func IsConflict(err error) bool     { return TypeOf(err) == ErrorTypeConflict }
func IsNetwork(err error) bool      { return TypeOf(err) == ErrorTypeNetwork }
