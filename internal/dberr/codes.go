package dberr

import (
	"errors"
	"fmt"
)

// Code identifies the class of a database error. Codes are stable and are
// carried on the wire as the response status byte.
type Code int

const (
	CodeOK Code = iota

	// Client-resolvable errors, produced entirely on the coordinator.
	CodeParse
	CodeSchema

	// Replica coordination failures.
	CodeUnavailable
	CodeTimeout
	CodeWriteFailed

	// Internal transport failure. Never surfaced to clients.
	CodeNodeUnreachable
)

// String returns the wire name for the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeParse:
		return "ParseError"
	case CodeSchema:
		return "SchemaError"
	case CodeUnavailable:
		return "Unavailable"
	case CodeTimeout:
		return "Timeout"
	case CodeWriteFailed:
		return "WriteFailed"
	case CodeNodeUnreachable:
		return "NodeUnreachable"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a typed database error with a code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New creates an error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code and cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the code from err, returning CodeWriteFailed for untyped
// errors so that callers always have a wire status to report.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeWriteFailed
}
