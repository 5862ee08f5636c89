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

// Package registry defines the persisted source of truth for agent
// admission state and the operations the master applies to it. Each
// operation is a total function over a registry snapshot: it either
// mutates the snapshot and reports so, or leaves it untouched.
package registry

import (
	"time"

	"github.com/uber/skymaster/pkg/master/api"
)

// UnreachableRecord is a registry entry for an agent marked unreachable.
type UnreachableRecord struct {
	Info api.AgentInfo
	// Since is when the agent was marked unreachable.
	Since time.Time
}

// Snapshot is the full registry state. Unreachable preserves insertion
// order; recovery loads it into the in-memory unreachable index in the
// same order.
type Snapshot struct {
	Admitted    map[api.AgentID]api.AgentInfo
	Unreachable []UnreachableRecord
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Admitted: make(map[api.AgentID]api.AgentInfo),
	}
}

// Clone returns a deep copy of the snapshot. Operations are applied to
// a clone so a failed persist leaves the cached state untouched.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for id, info := range s.Admitted {
		c.Admitted[id] = info
	}
	c.Unreachable = append(c.Unreachable, s.Unreachable...)
	return c
}

// unreachableIndex returns the position of the agent in the unreachable
// list, or -1.
func (s *Snapshot) unreachableIndex(id api.AgentID) int {
	for i, rec := range s.Unreachable {
		if rec.Info.ID == id {
			return i
		}
	}
	return -1
}

// Store is the replicated, linearizable backing store consumed by the
// Registrar. Fetch returns the last persisted snapshot (an empty one on
// first boot); Persist atomically replaces it.
type Store interface {
	Fetch() (*Snapshot, error)
	Persist(*Snapshot) error
	Close() error
}
