// Package errs defines the coded errors shared between the scheduling engine
// and its callers, so transport layers can map failures mechanically.
package errs

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error classification.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidCategory   Code = "INVALID_CATEGORY"
	CodeCircularReference Code = "CIRCULAR_REFERENCE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error carries a code alongside a human-readable message.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// NotFound reports a missing row or an ownership mismatch. The two are
// deliberately indistinguishable to callers.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation reports rejected input: bad recurrence syntax, inverted time
// ranges, instance-count overflow, illegal status transitions.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidCategory reports a category reference that does not exist or is not
// owned by the caller.
func InvalidCategory(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidCategory, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The wrapped cause stays available via
// errors.Unwrap for logging; the message is what callers see.
func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, err: err}
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
