// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Troupe.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Troupe errors for monitoring and retry decisions.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeValidation indicates a malformed message rejected at the bus boundary.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeUnknownRole indicates the addressed role is not registered.
	CodeUnknownRole ErrorCode = "UNKNOWN_ROLE"

	// CodeDuplicateRole indicates a role id was registered twice.
	CodeDuplicateRole ErrorCode = "DUPLICATE_ROLE"

	// CodeRoleUnavailable indicates the role is disabled or failed.
	CodeRoleUnavailable ErrorCode = "ROLE_UNAVAILABLE"

	// CodeQueueFull indicates the role's dispatch queue is at capacity.
	CodeQueueFull ErrorCode = "QUEUE_FULL"

	// CodeTimeout indicates a handler exceeded its role's timeout.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeHandlerFailure indicates a handler returned an error or panicked.
	CodeHandlerFailure ErrorCode = "HANDLER_FAILURE"
)

// TroupeError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type TroupeError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *TroupeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *TroupeError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *TroupeError) MarshalJSON() ([]byte, error) {
	type Alias TroupeError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new TroupeError with the given code, message, and cause.
// Timeout and handler-failure errors default to recoverable; everything
// else must surface immediately.
func New(code ErrorCode, msg string, cause error) *TroupeError {
	return &TroupeError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: code == CodeTimeout || code == CodeHandlerFailure,
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *TroupeError) WithContext(key string, value interface{}) *TroupeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried.
// Returns the error for method chaining.
func (e *TroupeError) WithRecoverable(recoverable bool) *TroupeError {
	e.Recoverable = recoverable
	return e
}

// AsTroupeError attempts to convert an error to a TroupeError.
// Returns the error as TroupeError if it is one, or wraps it otherwise.
func AsTroupeError(err error) *TroupeError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TroupeError); ok {
		return te
	}
	return New(CodeInternal, "wrapped error", err)
}

// Code extracts the error code from err, or CodeInternal for foreign errors.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if te, ok := err.(*TroupeError); ok {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}
