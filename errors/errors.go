package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/palantir/stacktrace"
)

// Code classifies an Error. Codes mirror http status codes so they can be served as-is.
type Code int

const (
	Validation     Code = http.StatusBadRequest
	Unauthorized   Code = http.StatusUnauthorized
	Forbidden      Code = http.StatusForbidden
	NotFound       Code = http.StatusNotFound
	Timeout        Code = http.StatusRequestTimeout
	Conflict       Code = http.StatusConflict
	Misuse         Code = http.StatusPreconditionFailed
	Overflow       Code = http.StatusRequestEntityTooLarge
	Unprocessable  Code = http.StatusUnprocessableEntity
	QuotaExceeded  Code = http.StatusTooManyRequests
	Internal       Code = http.StatusInternalServerError
	Unavailable    Code = http.StatusServiceUnavailable
	GatewayTimeout Code = http.StatusGatewayTimeout
)

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = http.StatusOK
	}
	type alias struct {
		Code     Code     `json:"code"`
		Messages []string `json:"messages"`
		Err      string   `json:"err,omitempty"`
	}
	a := alias{Code: e.Code, Messages: e.Messages}
	if e.Err != nil {
		a.Err = e.Err.Error()
	}
	bits, _ := json.Marshal(a)
	return string(bits)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// RemoveError removes the error from the Error and leaves it's messages and code
func (e *Error) RemoveError() *Error {
	return &Error{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      nil,
	}
}

// New creates a new error with the given code and message
func New(code Code, msg string, args ...any) error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(msg, args...)},
	}
}

// Extract extracts the custom Error from the given error. Errors propagated with stacktrace are unwound to their root cause.
func Extract(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.As(stacktrace.RootCause(err), &e) {
		return e
	}
	return &Error{
		Code:     0,
		Messages: nil,
		Err:      err,
	}
}

// Is returns true if the error carries the given code
func Is(err error, code Code) bool {
	e := Extract(err)
	return e != nil && e.Code == code
}

// Wrap wraps the given error and returns a new one. Wrapping a nil error returns nil.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}
