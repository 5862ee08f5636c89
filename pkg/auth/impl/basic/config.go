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

package basic

type authConfig struct {
	Principals []*principalConfig
	Roles      []*roleConfig
}

type principalConfig struct {
	Role string
	Name string
}

// roleConfig lists "action:target" rules, where target is the cluster
// role the action applies to (or the owning framework's principal, for
// teardown). Either side may be "*".
type roleConfig struct {
	Role   string
	Accept []string
	Reject []string
}
