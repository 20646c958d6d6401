// Copyright 2025 The Archflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the error taxonomy shared by all engine
// components.
//
// Two layers coexist: small typed error structs (ValidationError,
// NotFoundError, ...) used at the point where an error originates, and
// ExecutionError, the classified record that is attached to flow state
// and written to the audit log. Classify bridges the two.
package errors

import (
	"fmt"
	"time"
)

// ErrorType classifies an error for retry and reporting decisions.
type ErrorType string

const (
	// TypeConfiguration indicates invalid or missing configuration. Never retried.
	TypeConfiguration ErrorType = "CONFIGURATION"
	// TypeValidation indicates invalid input or schema violations. Never retried.
	TypeValidation ErrorType = "VALIDATION"
	// TypeExecution indicates a failure inside a step or tool body. Retryable.
	TypeExecution ErrorType = "EXECUTION"
	// TypeSystem indicates resource exhaustion or engine-level failure.
	TypeSystem ErrorType = "SYSTEM"
	// TypeConnection indicates a failure reaching an external collaborator. Retryable.
	TypeConnection ErrorType = "CONNECTION"
	// TypeAuthorization indicates a permission failure. Never retried.
	TypeAuthorization ErrorType = "AUTHORIZATION"
	// TypeTimeout indicates a missed deadline. Retried at most once.
	TypeTimeout ErrorType = "TIMEOUT"
	// TypeNotFound indicates a missing flow, tool, or conversation.
	TypeNotFound ErrorType = "NOT_FOUND"
	// TypeInvalidState indicates an illegal lifecycle transition; a caller bug.
	TypeInvalidState ErrorType = "INVALID_STATE"
	// TypeUnknown indicates an unclassified failure; a programming error.
	TypeUnknown ErrorType = "UNKNOWN"
)

// Retryable reports whether errors of this type may be retried under a
// retry policy. TIMEOUT is retryable but policies cap it at one extra
// attempt.
func (t ErrorType) Retryable() bool {
	switch t {
	case TypeExecution, TypeConnection, TypeTimeout:
		return true
	default:
		return false
	}
}

// ExecutionError is the classified error record carried on flow state,
// step results, and audit entries.
type ExecutionError struct {
	// Type is the taxonomy classification
	Type ErrorType `json:"type"`

	// Code is a short machine-readable identifier (e.g. "FLOW_NOT_FOUND")
	Code string `json:"code"`

	// Message is the human-readable description
	Message string `json:"message"`

	// Component names the subsystem that produced the error
	Component string `json:"component,omitempty"`

	// Timestamp records when the error was created
	Timestamp time.Time `json:"timestamp"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`

	// Details carries optional structured context
	Details map[string]any `json:"details,omitempty"`
}

// NewExecutionError creates a classified error record stamped with the
// current wall time.
func NewExecutionError(errType ErrorType, code, component, message string) *ExecutionError {
	return &ExecutionError{
		Type:      errType,
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapExecutionError classifies an existing error. The original error
// is retained as the cause for errors.Is/As traversal.
func WrapExecutionError(err error, errType ErrorType, code, component string) *ExecutionError {
	if err == nil {
		return nil
	}
	return &ExecutionError{
		Type:      errType,
		Code:      code,
		Component: component,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Type, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a structured detail entry and returns the error
// for chaining.
func (e *ExecutionError) WithDetail(key string, value any) *ExecutionError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Classification implements Classifier.
func (e *ExecutionError) Classification() ErrorType {
	return e.Type
}

// IsRetryable reports whether this error may be retried.
func (e *ExecutionError) IsRetryable() bool {
	return e.Type.Retryable()
}
