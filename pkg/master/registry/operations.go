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

import (
	"time"

	"github.com/pkg/errors"

	"github.com/uber/skymaster/pkg/master/api"
)

// Operation is a one-shot mutation of the registry. Apply returns
// whether the snapshot was mutated; an error means nothing was applied.
type Operation interface {
	Name() string
	Apply(*Snapshot) (bool, error)
}

// Admit admits a newly registering agent.
type Admit struct {
	Info api.AgentInfo
}

// Name implements Operation.
func (Admit) Name() string { return "admit" }

// Apply implements Operation. Admitting an already admitted or
// unreachable agent fails: the admission race lost, and the caller must
// not create a second Agent for the same identity.
func (o Admit) Apply(s *Snapshot) (bool, error) {
	if _, ok := s.Admitted[o.Info.ID]; ok {
		return false, errors.Errorf("agent %s is already admitted", o.Info.ID)
	}
	if s.unreachableIndex(o.Info.ID) >= 0 {
		return false, errors.Errorf("agent %s is marked unreachable", o.Info.ID)
	}
	s.Admitted[o.Info.ID] = o.Info
	return true, nil
}

// MarkUnreachable moves an admitted agent to the unreachable list.
type MarkUnreachable struct {
	Info api.AgentInfo
	Time time.Time
}

// Name implements Operation.
func (MarkUnreachable) Name() string { return "mark_unreachable" }

// Apply implements Operation.
func (o MarkUnreachable) Apply(s *Snapshot) (bool, error) {
	if _, ok := s.Admitted[o.Info.ID]; !ok {
		return false, errors.Errorf("agent %s is not admitted", o.Info.ID)
	}
	delete(s.Admitted, o.Info.ID)
	s.Unreachable = append(s.Unreachable, UnreachableRecord{
		Info:  o.Info,
		Since: o.Time,
	})
	return true, nil
}

// MarkReachable moves an unreachable agent back to the admitted set.
type MarkReachable struct {
	Info api.AgentInfo
}

// Name implements Operation.
func (MarkReachable) Name() string { return "mark_reachable" }

// Apply implements Operation. Marking an agent that is already admitted
// reachable is a no-op rather than an error: the signal raced with a
// prior successful transition.
func (o MarkReachable) Apply(s *Snapshot) (bool, error) {
	if _, ok := s.Admitted[o.Info.ID]; ok {
		return false, nil
	}
	i := s.unreachableIndex(o.Info.ID)
	if i < 0 {
		return false, errors.Errorf("agent %s is not in the registry", o.Info.ID)
	}
	s.Unreachable = append(s.Unreachable[:i], s.Unreachable[i+1:]...)
	s.Admitted[o.Info.ID] = o.Info
	return true, nil
}

// Prune drops unreachable records whose retention expired.
type Prune struct {
	IDs map[api.AgentID]struct{}
}

// Name implements Operation.
func (Prune) Name() string { return "prune_unreachable" }

// Apply implements Operation. IDs not present are skipped; pruning is
// driven by a GC pass working from a possibly stale view.
func (o Prune) Apply(s *Snapshot) (bool, error) {
	if len(o.IDs) == 0 {
		return false, nil
	}
	kept := s.Unreachable[:0]
	mutated := false
	for _, rec := range s.Unreachable {
		if _, ok := o.IDs[rec.Info.ID]; ok {
			mutated = true
			continue
		}
		kept = append(kept, rec)
	}
	s.Unreachable = kept
	return mutated, nil
}

// Remove deletes an agent from the registry entirely.
type Remove struct {
	Info api.AgentInfo
}

// Name implements Operation.
func (Remove) Name() string { return "remove" }

// Apply implements Operation.
func (o Remove) Apply(s *Snapshot) (bool, error) {
	if _, ok := s.Admitted[o.Info.ID]; ok {
		delete(s.Admitted, o.Info.ID)
		return true, nil
	}
	if i := s.unreachableIndex(o.Info.ID); i >= 0 {
		s.Unreachable = append(s.Unreachable[:i], s.Unreachable[i+1:]...)
		return true, nil
	}
	return false, errors.Errorf("agent %s is not in the registry", o.Info.ID)
}
