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

package common

import "time"

const (
	// MasterRole is the leader election role for skymaster masters.
	MasterRole = "master"

	// DefaultOfferTimeout is how long an unanswered offer is held before
	// it is rescinded and its resources are returned to the allocator.
	DefaultOfferTimeout = 5 * time.Minute

	// DefaultAgentReregisterTimeout bounds how long a recovered agent may
	// stay unconfirmed after a master failover before it is marked
	// unreachable. Must be long enough for a full agent fleet to
	// reconnect through an election storm.
	DefaultAgentReregisterTimeout = 10 * time.Minute

	// DefaultFrameworkFailoverTimeout is used when a framework does not
	// declare its own failover timeout at subscription.
	DefaultFrameworkFailoverTimeout = 0 * time.Second

	// DefaultUnreachableRetention is how long unreachable agent records
	// are kept in the registry before the GC pass prunes them.
	DefaultUnreachableRetention = 14 * 24 * time.Hour

	// DefaultUnreachableGCInterval is the period of the unreachable
	// record GC background pass.
	DefaultUnreachableGCInterval = 1 * time.Hour

	// DefaultCompletedFrameworksMax bounds the completed framework ring.
	DefaultCompletedFrameworksMax = 50

	// DefaultCompletedTasksPerFrameworkMax bounds each framework's
	// completed task ring.
	DefaultCompletedTasksPerFrameworkMax = 1000

	// DefaultRemovedAgentsMax bounds the recently removed agent cache
	// used to reject duplicate removal races.
	DefaultRemovedAgentsMax = 100

	// CPU, Mem, Disk, GPU, Ports are the resource names recognized in
	// agent resource declarations.
	CPU   = "cpus"
	Mem   = "mem"
	Disk  = "disk"
	GPU   = "gpus"
	Ports = "ports"

	// DefaultRole is the role resources belong to when not reserved.
	DefaultRole = "*"
)
