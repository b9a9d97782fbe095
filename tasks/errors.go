package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ServiceError represents structured control plane errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeHTTP         = "HTTP_ERROR"
)

var (
	ErrAlreadyStarted = errors.New("task already started")
	ErrNotStarted     = errors.New("task not started")
)

// errorCode returns the code of err if it is a ServiceError.
func errorCode(err error) string {
	var se ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return errorCode(err) == ErrCodeNotFound
}

func IsUnauthorized(err error) bool {
	return errorCode(err) == ErrCodeUnauthorized
}

func statusError(method, path string, status int, body string) ServiceError {
	msg := fmt.Sprintf("%s %s: %d %s", method, path, status, http.StatusText(status))
	if body != "" {
		msg += ": " + body
	}

	code := ErrCodeHTTP
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		code = ErrCodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = ErrCodeInvalidInput
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = ErrCodeTimeout
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		code = ErrCodeUnavailable
	case status >= 500:
		code = ErrCodeInternal
	}
	return ServiceError{Code: code, Message: msg, Status: status}
}

func transportError(method, path string, err error) ServiceError {
	code := ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return ServiceError{Code: code, Message: fmt.Sprintf("%s %s", method, path), Cause: err}
}
