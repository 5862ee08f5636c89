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

// Package roundrobin is a minimal reference allocator. It hands each
// agent's unoffered resources to active frameworks in round-robin order
// on every allocation pass. It implements none of the fairness policies
// a production allocator would; it exists to exercise the offer
// protocol end to end.
package roundrobin

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/uber/skymaster/pkg/allocator"
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

type agentState struct {
	info    api.AgentInfo
	total   scalar.Resources
	used    scalar.Resources
	offered scalar.Resources
	active  bool
}

type frameworkState struct {
	info       api.FrameworkInfo
	active     bool
	suppressed bool
	// refusals maps agent ID to the time until which the framework
	// declined that agent's resources.
	refusals map[api.AgentID]time.Time
}

// Allocator is the round-robin reference allocator.
type Allocator struct {
	sync.Mutex

	sink       allocator.OfferSink
	agents     map[api.AgentID]*agentState
	frameworks map[api.FrameworkID]*frameworkState
	// next is the rotation cursor over sorted framework IDs.
	next int
}

// New creates the allocator.
func New() *Allocator {
	return &Allocator{
		agents:     make(map[api.AgentID]*agentState),
		frameworks: make(map[api.FrameworkID]*frameworkState),
	}
}

// Initialize implements allocator.Allocator.
func (a *Allocator) Initialize(sink allocator.OfferSink) {
	a.Lock()
	defer a.Unlock()
	a.sink = sink
}

// AddAgent implements allocator.Allocator.
func (a *Allocator) AddAgent(
	id api.AgentID,
	info api.AgentInfo,
	total scalar.Resources,
	used scalar.Resources) {
	a.Lock()
	defer a.Unlock()
	a.agents[id] = &agentState{
		info:   info,
		total:  total,
		used:   used,
		active: true,
	}
}

// RemoveAgent implements allocator.Allocator.
func (a *Allocator) RemoveAgent(id api.AgentID) {
	a.Lock()
	defer a.Unlock()
	delete(a.agents, id)
}

// ActivateAgent implements allocator.Allocator.
func (a *Allocator) ActivateAgent(id api.AgentID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.agents[id]; ok {
		s.active = true
	}
}

// DeactivateAgent implements allocator.Allocator.
func (a *Allocator) DeactivateAgent(id api.AgentID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.agents[id]; ok {
		s.active = false
	}
}

// UpdateAgent implements allocator.Allocator.
func (a *Allocator) UpdateAgent(id api.AgentID, total scalar.Resources) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.agents[id]; ok {
		s.total = total
	}
}

// AddFramework implements allocator.Allocator.
func (a *Allocator) AddFramework(
	id api.FrameworkID,
	info api.FrameworkInfo,
	used map[api.AgentID]scalar.Resources) {
	a.Lock()
	defer a.Unlock()
	a.frameworks[id] = &frameworkState{
		info:     info,
		active:   true,
		refusals: make(map[api.AgentID]time.Time),
	}
	for agentID, res := range used {
		if s, ok := a.agents[agentID]; ok {
			s.used = s.used.Add(res)
		}
	}
}

// RemoveFramework implements allocator.Allocator.
func (a *Allocator) RemoveFramework(id api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	delete(a.frameworks, id)
}

// ActivateFramework implements allocator.Allocator.
func (a *Allocator) ActivateFramework(id api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.frameworks[id]; ok {
		s.active = true
	}
}

// DeactivateFramework implements allocator.Allocator.
func (a *Allocator) DeactivateFramework(id api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.frameworks[id]; ok {
		s.active = false
	}
}

// SuppressOffers implements allocator.Allocator.
func (a *Allocator) SuppressOffers(id api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.frameworks[id]; ok {
		s.suppressed = true
	}
}

// ReviveOffers implements allocator.Allocator.
func (a *Allocator) ReviveOffers(id api.FrameworkID) {
	a.Lock()
	defer a.Unlock()
	if s, ok := a.frameworks[id]; ok {
		s.suppressed = false
		s.refusals = make(map[api.AgentID]time.Time)
	}
}

// RecoverResources implements allocator.Allocator.
func (a *Allocator) RecoverResources(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	resources scalar.Resources,
	filters *api.Filters) {
	a.Lock()
	defer a.Unlock()

	if s, ok := a.agents[agentID]; ok {
		if offered, ok := s.offered.TrySubtract(resources); ok {
			s.offered = offered
		} else {
			// Recovery of resources that do not look offered means the
			// task that used them terminated.
			if used, ok := s.used.TrySubtract(resources); ok {
				s.used = used
			} else {
				log.WithFields(log.Fields{
					"agent_id":  agentID,
					"resources": resources.String(),
				}).Warn("Recovered resources exceed tracked usage.")
				s.used = scalar.Resources{}
			}
		}
	}

	if f, ok := a.frameworks[frameworkID]; ok && filters != nil &&
		filters.RefuseDuration > 0 {
		f.refusals[agentID] = time.Now().Add(filters.RefuseDuration)
	}
}

// UseResources implements allocator.Allocator.
func (a *Allocator) UseResources(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	resources scalar.Resources) {
	a.Lock()
	defer a.Unlock()

	s, ok := a.agents[agentID]
	if !ok {
		return
	}
	if offered, ok := s.offered.TrySubtract(resources); ok {
		s.offered = offered
	}
	s.used = s.used.Add(resources)
}

// Allocate runs one allocation pass, offering each active agent's idle
// resources to the next willing framework in rotation. Driven
// periodically by the background manager.
func (a *Allocator) Allocate() {
	a.Lock()
	defer a.Unlock()

	if a.sink == nil {
		return
	}

	rotation := a.rotation()
	if len(rotation) == 0 {
		return
	}

	now := time.Now()
	grants := make(map[api.FrameworkID]map[api.AgentID]scalar.Resources)

	for agentID, s := range a.agents {
		if !s.active {
			continue
		}
		idle := s.total.Subtract(s.used).Subtract(s.offered)
		if idle.Empty() || !idle.NonNegative() {
			continue
		}

		granted := false
		for i := 0; i < len(rotation) && !granted; i++ {
			fid := rotation[(a.next+i)%len(rotation)]
			f := a.frameworks[fid]
			if until, ok := f.refusals[agentID]; ok {
				if now.Before(until) {
					continue
				}
				delete(f.refusals, agentID)
			}
			if grants[fid] == nil {
				grants[fid] = make(map[api.AgentID]scalar.Resources)
			}
			grants[fid][agentID] = idle
			s.offered = s.offered.Add(idle)
			granted = true
		}
	}
	a.next++

	for fid, grant := range grants {
		a.sink.ResourceOffers(fid, grant)
	}
}

// rotation returns the active, unsuppressed framework IDs in a stable
// order.
func (a *Allocator) rotation() []api.FrameworkID {
	ids := make([]api.FrameworkID, 0, len(a.frameworks))
	for id, f := range a.frameworks {
		if f.active && !f.suppressed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
