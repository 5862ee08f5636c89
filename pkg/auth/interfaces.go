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

// Package auth defines the authorization predicate consumed by the
// master. Implementations may call out to remote providers; the master
// always invokes Authorize off its event loop and feeds the verdict
// back in as a completion event.
package auth

// Action enumerates the authorizable master operations.
type Action string

// Authorizable actions.
const (
	ActionRegisterFramework Action = "register_framework"
	ActionRunTask           Action = "run_task"
	ActionReserve           Action = "reserve_resources"
	ActionUnreserve         Action = "unreserve_resources"
	ActionCreateVolume      Action = "create_volume"
	ActionDestroyVolume     Action = "destroy_volume"
	ActionTeardown          Action = "teardown_framework"
)

// Object is the entity an action applies to.
type Object struct {
	// Role the action targets, if any.
	Role string
	// FrameworkPrincipal is the principal of the framework being acted
	// on, for actions targeting another framework's state.
	FrameworkPrincipal string
	// Value is a free-form qualifier (task ID, volume ID).
	Value string
}

// Authorizer is an opaque asynchronous predicate. A returned error
// means the check itself failed and must be distinguished from a clean
// denial: an errored check is transient and the request may be retried
// by its caller, a false verdict is final.
type Authorizer interface {
	Authorize(principal string, action Action, object Object) (bool, error)
}

// NoopAuthorizer permits everything. Used when authorization is not
// configured.
type NoopAuthorizer struct{}

// Authorize implements Authorizer.
func (NoopAuthorizer) Authorize(string, Action, Object) (bool, error) {
	return true, nil
}

// Type names an Authorizer implementation.
type Type string

// Supported authorizer types.
const (
	UNDEFINED Type = ""
	NOOP      Type = "NOOP"
	BASIC     Type = "BASIC"
)

// Config selects and configures the authorizer implementation.
type Config struct {
	AuthType Type `yaml:"auth_type"`
	// Path is the rule file consumed by the basic authorizer.
	Path string `yaml:"path"`
}
