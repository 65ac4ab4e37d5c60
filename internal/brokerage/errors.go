package brokerage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a brokerage failure
type ErrorKind string

const (
	// KindAuth means the token was rejected. The session must be refreshed.
	KindAuth ErrorKind = "auth"
	// KindValidation means the request itself was rejected. Not retried.
	KindValidation ErrorKind = "validation"
	// KindNotFound means the order or position does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTransient covers network failures, timeouts, 409, 429 and 5xx.
	KindTransient ErrorKind = "transient"
)

// Error is returned by every Client method on failure
type Error struct {
	Kind    ErrorKind
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("brokerage %s error (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("brokerage %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// kindForStatus maps an HTTP status to an ErrorKind
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	default:
		return KindValidation
	}
}

func statusError(status int, body string) *Error {
	return &Error{
		Kind:    kindForStatus(status),
		Code:    http.StatusText(status),
		Status:  status,
		Message: body,
	}
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: "rejected", Message: fmt.Sprintf(format, args...)}
}

func transportError(err error) *Error {
	code := "network"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	return &Error{Kind: KindTransient, Code: code, Message: err.Error(), Err: err}
}

// KindOf returns the ErrorKind of err, or "" if err is not an *Error
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

func IsAuth(err error) bool       { return KindOf(err) == KindAuth }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }

// IsTransient reports retryable failures, including bare context deadlines
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient || errors.Is(err, context.DeadlineExceeded)
}
