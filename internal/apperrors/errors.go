// Package apperrors defines the error taxonomy reported by workflow operations.
package apperrors

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeConflict           Code = "CONFLICT"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotEligible        Code = "NOT_ELIGIBLE"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInternal           Code = "INTERNAL"
)

// Error is the domain error type returned by the engine.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(message string) *Error           { return New(CodeNotFound, message) }
func PreconditionFailed(message string) *Error { return New(CodePreconditionFailed, message) }
func Conflict(message string) *Error           { return New(CodeConflict, message) }
func Forbidden(message string) *Error          { return New(CodeForbidden, message) }
func NotEligible(message string) *Error        { return New(CodeNotEligible, message) }
func InvalidArgument(message string) *Error    { return New(CodeInvalidArgument, message) }

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrPreconditionFailed = New(CodePreconditionFailed, "precondition failed")
	ErrConflict           = New(CodeConflict, "conflict")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrNotEligible        = New(CodeNotEligible, "not eligible")
	ErrInvalidArgument    = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf extracts the code of the first *Error in err's chain.
// Errors outside the taxonomy report CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
