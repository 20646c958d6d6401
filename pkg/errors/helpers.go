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
	"errors"
	"fmt"
)

// Classifier is implemented by errors that know their own taxonomy
// classification. Classify consults it before falling back to
// structural inspection.
type Classifier interface {
	error

	// Classification returns the taxonomy type of this error.
	Classification() ErrorType
}

// Classify maps an arbitrary error onto the taxonomy. nil maps to
// TypeUnknown; callers should not classify nil errors.
func Classify(err error) ErrorType {
	if err == nil {
		return TypeUnknown
	}

	var classified Classifier
	if errors.As(err, &classified) {
		return classified.Classification()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return TypeSystem
	}

	return TypeUnknown
}

// Retryable reports whether the error's classification permits a retry.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

// Wrap creates a new error that wraps the given error with additional
// context. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted
// context. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}
