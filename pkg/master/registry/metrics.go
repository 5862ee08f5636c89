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

package registry

import "github.com/uber-go/tally"

type metrics struct {
	applySuccess   tally.Counter
	applyFail      tally.Counter
	persistFail    tally.Counter
	recoverSuccess tally.Counter
	recoverFail    tally.Counter
	applyDuration  tally.Timer
}

func newMetrics(scope tally.Scope) *metrics {
	applyScope := scope.SubScope("apply")
	recoverScope := scope.SubScope("recover")
	return &metrics{
		applySuccess:   applyScope.Counter("success"),
		applyFail:      applyScope.Counter("fail"),
		persistFail:    applyScope.Counter("persist_fail"),
		recoverSuccess: recoverScope.Counter("success"),
		recoverFail:    recoverScope.Counter("fail"),
		applyDuration:  applyScope.Timer("duration"),
	}
}
