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

package impl

import (
	"github.com/pkg/errors"

	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/auth/impl/basic"
)

// CreateAuthorizer creates an Authorizer based on type
func CreateAuthorizer(config *auth.Config) (auth.Authorizer, error) {
	switch config.AuthType {
	case auth.NOOP, auth.UNDEFINED:
		return auth.NoopAuthorizer{}, nil
	case auth.BASIC:
		return basic.NewAuthorizer(config.Path)
	default:
		return nil, errors.Errorf(
			"unknown authorizer type provided: %s", config.AuthType)
	}
}
