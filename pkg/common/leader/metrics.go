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

package leader

import "github.com/uber-go/tally"

type electionMetrics struct {
	Start            tally.Counter
	Stop             tally.Counter
	Resigned         tally.Counter
	GainedLeadership tally.Counter
	LostLeadership   tally.Counter
	Error            tally.Counter
	Running          tally.Gauge
	IsLeader         tally.Gauge
}

func newElectionMetrics(scope tally.Scope, hostname string) electionMetrics {
	s := scope.Tagged(map[string]string{"hostname": hostname})
	return electionMetrics{
		Start:            s.Counter("start"),
		Stop:             s.Counter("stop"),
		Resigned:         s.Counter("resigned"),
		GainedLeadership: s.Counter("gained_leadership"),
		LostLeadership:   s.Counter("lost_leadership"),
		Error:            s.Counter("error"),
		Running:          s.Gauge("running"),
		IsLeader:         s.Gauge("is_leader"),
	}
}
