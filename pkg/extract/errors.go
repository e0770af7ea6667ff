package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code classifies an extraction or task failure.
type Code string

const (
	CodeTimeout  Code = "TIMEOUT"
	CodeBlocked  Code = "BLOCKED"
	CodeEmpty    Code = "EMPTY"
	CodeAPIError Code = "API_ERROR"
	CodeUnknown  Code = "UNKNOWN"
)

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Classify maps any error to a code. Unclassified errors are UNKNOWN except
// deadline and network timeouts.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUnknown
}

// Retryable reports whether a failure with this code may succeed on retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeAPIError, CodeUnknown:
		return true
	}
	return false
}
