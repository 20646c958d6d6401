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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents input validation failures.
// Use this for invalid flow definitions, malformed step inputs, or
// schema violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Classification implements Classifier.
func (e *ValidationError) Classification() ErrorType { return TypeValidation }

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "flow", "tool", "conversation")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Classification implements Classifier.
func (e *NotFoundError) Classification() ErrorType { return TypeNotFound }

// ConflictError represents a uniqueness violation, such as starting a
// flow whose id is already active.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the conflicting identifier
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s conflict for %s: %s", e.Resource, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s conflict for %s", e.Resource, e.ID)
}

// Classification implements Classifier.
func (e *ConflictError) Classification() ErrorType { return TypeInvalidState }

// ConfigError represents configuration problems detected at
// construction time.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// Classification implements Classifier.
func (e *ConfigError) Classification() ErrorType { return TypeConfiguration }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "flow", "step", "tool call")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Classification implements Classifier.
func (e *TimeoutError) Classification() ErrorType { return TypeTimeout }

// StateError represents an illegal lifecycle transition. It always
// indicates a caller bug, never a transient condition.
type StateError struct {
	// Current is the state the entity was in
	Current string

	// Operation is the operation that was attempted
	Operation string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Operation, e.Current)
}

// Classification implements Classifier.
func (e *StateError) Classification() ErrorType { return TypeInvalidState }

// CapacityError is returned when the engine is at its configured
// concurrent-flow limit. Callers may retry after active flows drain.
type CapacityError struct {
	// Active is the number of currently active flows
	Active int

	// Limit is the configured maximum
	Limit int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("engine busy: %d of %d flow slots in use", e.Active, e.Limit)
}

// Classification implements Classifier.
func (e *CapacityError) Classification() ErrorType { return TypeSystem }

// AuthorizationError represents a permission failure from a tool or
// adapter. Never retried.
type AuthorizationError struct {
	// Subject is the principal that was denied
	Subject string

	// Action describes what was attempted
	Action string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s is not authorized to %s", e.Subject, e.Action)
	}
	return fmt.Sprintf("not authorized to %s", e.Action)
}

// Classification implements Classifier.
func (e *AuthorizationError) Classification() ErrorType { return TypeAuthorization }

// ConnectionError represents a failure reaching an external
// collaborator (LLM provider, vector store, ...). Retryable with
// backoff.
type ConnectionError struct {
	// Target names the remote system
	Target string

	// Cause is the underlying transport error
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("connection to %s failed", e.Target)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error { return e.Cause }

// Classification implements Classifier.
func (e *ConnectionError) Classification() ErrorType { return TypeConnection }
