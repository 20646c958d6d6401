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
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeRetryable(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		retryable bool
	}{
		{TypeConfiguration, false},
		{TypeValidation, false},
		{TypeExecution, true},
		{TypeSystem, false},
		{TypeConnection, true},
		{TypeAuthorization, false},
		{TypeTimeout, true},
		{TypeNotFound, false},
		{TypeInvalidState, false},
		{TypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.errType.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"validation", &ValidationError{Field: "steps", Message: "empty"}, TypeValidation},
		{"not found", &NotFoundError{Resource: "flow", ID: "f1"}, TypeNotFound},
		{"conflict", &ConflictError{Resource: "flow", ID: "f1"}, TypeInvalidState},
		{"config", &ConfigError{Key: "max_concurrent", Reason: "must be positive"}, TypeConfiguration},
		{"timeout", &TimeoutError{Operation: "step"}, TypeTimeout},
		{"state", &StateError{Current: "COMPLETED", Operation: "resume"}, TypeInvalidState},
		{"capacity", &CapacityError{Active: 5, Limit: 5}, TypeSystem},
		{"authorization", &AuthorizationError{Action: "write"}, TypeAuthorization},
		{"connection", &ConnectionError{Target: "provider"}, TypeConnection},
		{"deadline", context.DeadlineExceeded, TypeTimeout},
		{"canceled", context.Canceled, TypeSystem},
		{"plain", New("boom"), TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrapped(t *testing.T) {
	// Classification survives fmt.Errorf wrapping.
	inner := &ConnectionError{Target: "provider", Cause: New("dial refused")}
	wrapped := fmt.Errorf("step fetch: %w", inner)

	assert.Equal(t, TypeConnection, Classify(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestExecutionError(t *testing.T) {
	cause := &ConnectionError{Target: "provider"}
	execErr := WrapExecutionError(cause, TypeConnection, "PROVIDER_UNREACHABLE", "executor")

	require.NotNil(t, execErr)
	assert.Equal(t, TypeConnection, execErr.Type)
	assert.Equal(t, "PROVIDER_UNREACHABLE", execErr.Code)
	assert.Equal(t, "executor", execErr.Component)
	assert.False(t, execErr.Timestamp.IsZero())
	assert.True(t, execErr.IsRetryable())

	// Cause is reachable through the error tree.
	var connErr *ConnectionError
	assert.True(t, As(execErr, &connErr))
}

func TestExecutionErrorWithDetail(t *testing.T) {
	execErr := NewExecutionError(TypeValidation, "BAD_INPUT", "engine", "input rejected").
		WithDetail("field", "x").
		WithDetail("max", 10)

	assert.Equal(t, "x", execErr.Details["field"])
	assert.Equal(t, 10, execErr.Details["max"])
	assert.False(t, execErr.IsRetryable())
}

func TestWrapExecutionErrorNil(t *testing.T) {
	assert.Nil(t, WrapExecutionError(nil, TypeExecution, "X", "engine"))
}

func TestWrapHelpers(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))

	base := New("boom")
	wrapped := Wrap(base, "running step")
	assert.EqualError(t, wrapped, "running step: boom")
	assert.True(t, Is(wrapped, base))
}
