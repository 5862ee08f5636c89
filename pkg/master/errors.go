// Copyright (c) 2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package master

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError marks a malformed request. Rejected synchronously;
// never mutates state.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError.
func NewValidationError(format string, args ...interface{}) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	_, ok := errors.Cause(err).(ValidationError)
	return ok
}

// ConflictError marks a request referencing state that does not exist
// or already exists: duplicate agent IDs, unknown task, offer or agent
// IDs. The request is dropped without affecting unrelated state.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// NewConflictError creates a ConflictError.
func NewConflictError(format string, args ...interface{}) error {
	return ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(ConflictError)
	return ok
}

// AuthorizationFailure marks an authorization check that itself failed,
// as opposed to a clean denial. Transient: the caller may retry.
type AuthorizationFailure struct {
	Cause error
}

func (e AuthorizationFailure) Error() string {
	return fmt.Sprintf("authorization check failed: %v", e.Cause)
}

// IsAuthorizationFailure reports whether err is an AuthorizationFailure.
func IsAuthorizationFailure(err error) bool {
	_, ok := errors.Cause(err).(AuthorizationFailure)
	return ok
}

// RegistryOperationFailure marks a failed registry round-trip. The
// dependent lifecycle transition is aborted with state unchanged.
type RegistryOperationFailure struct {
	Op    string
	Cause error
}

func (e RegistryOperationFailure) Error() string {
	return fmt.Sprintf("registry operation %s failed: %v", e.Op, e.Cause)
}
