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
	log "github.com/sirupsen/logrus"

	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// Role groups the frameworks subscribed under a role name. A role
// exists while at least one framework claims it or a quota or weight is
// set on it.
type Role struct {
	Name       string
	frameworks map[api.FrameworkID]struct{}
}

// Quota is a role's resource guarantee. The allocator prioritizes the
// role until its allocation reaches the guarantee.
type Quota struct {
	Guarantee scalar.Resources
}

func (m *Master) trackFrameworkRoles(fw *Framework) {
	for _, name := range fw.Info.Roles {
		role, ok := m.roles[name]
		if !ok {
			role = &Role{
				Name:       name,
				frameworks: make(map[api.FrameworkID]struct{}),
			}
			m.roles[name] = role
		}
		role.frameworks[fw.Info.ID] = struct{}{}
	}
}

func (m *Master) untrackFrameworkRoles(fw *Framework) {
	for _, name := range fw.Info.Roles {
		role, ok := m.roles[name]
		if !ok {
			continue
		}
		delete(role.frameworks, fw.Info.ID)
		m.maybeDropRole(name)
	}
}

// maybeDropRole garbage-collects an empty role with no quota or weight
// pinning it.
func (m *Master) maybeDropRole(name string) {
	role, ok := m.roles[name]
	if !ok || len(role.frameworks) > 0 {
		return
	}
	if _, ok := m.quotas[name]; ok {
		return
	}
	if _, ok := m.weights[name]; ok {
		return
	}
	delete(m.roles, name)
}

// RoleAllocation is a role's point-in-time allocation summary.
type RoleAllocation struct {
	Name       string
	Frameworks []api.FrameworkID
	// Allocated is the sum of resources used and offered to the role's
	// frameworks. A framework subscribed under several roles counts
	// toward each.
	Allocated scalar.Resources
	Weight    float64
	Quota     *Quota
}

// Roles answers the current allocation per role.
func (m *Master) Roles() []RoleAllocation {
	result := make(chan []RoleAllocation, 1)
	if !m.post(func() {
		out := make([]RoleAllocation, 0, len(m.roles))
		for name, role := range m.roles {
			alloc := RoleAllocation{Name: name, Weight: m.weightOf(name)}
			if q, ok := m.quotas[name]; ok {
				quota := q
				alloc.Quota = &quota
			}
			for fwID := range role.frameworks {
				alloc.Frameworks = append(alloc.Frameworks, fwID)
				if fw := m.frameworks.registered[fwID]; fw != nil {
					alloc.Allocated = alloc.Allocated.Add(fw.totalUsed).Add(fw.totalOffered)
				}
			}
			out = append(out, alloc)
		}
		result <- out
	}) {
		return nil
	}
	return <-result
}

func (m *Master) weightOf(role string) float64 {
	if w, ok := m.weights[role]; ok {
		return w
	}
	return 1
}

// SetQuota installs a resource guarantee for a role. Outstanding offers
// to frameworks outside the role are rescinded so the allocator can
// re-plan with the guarantee in force.
func (m *Master) SetQuota(role string, quota Quota) {
	m.post(func() {
		if role == "" || !quota.Guarantee.NonNegative() {
			m.metrics.ValidationsDropped.Inc(1)
			return
		}
		m.quotas[role] = quota
		if _, ok := m.roles[role]; !ok {
			m.roles[role] = &Role{
				Name:       role,
				frameworks: make(map[api.FrameworkID]struct{}),
			}
		}
		log.WithFields(log.Fields{
			"role":      role,
			"guarantee": quota.Guarantee.String(),
		}).Info("Set quota.")

		inRole := m.roles[role].frameworks
		var rescind []api.OfferID
		for id, offer := range m.offers {
			if _, ok := inRole[offer.FrameworkID]; !ok {
				rescind = append(rescind, id)
			}
		}
		for _, id := range rescind {
			m.rescindOffer(id, "quota installed for role "+role)
		}
	})
}

// RemoveQuota lifts a role's guarantee.
func (m *Master) RemoveQuota(role string) {
	m.post(func() {
		if _, ok := m.quotas[role]; !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		delete(m.quotas, role)
		log.WithField("role", role).Info("Removed quota.")
		m.maybeDropRole(role)
	})
}

// Quotas answers the installed quotas.
func (m *Master) Quotas() map[string]Quota {
	result := make(chan map[string]Quota, 1)
	if !m.post(func() {
		out := make(map[string]Quota, len(m.quotas))
		for role, q := range m.quotas {
			out[role] = q
		}
		result <- out
	}) {
		return nil
	}
	return <-result
}

// SetWeight sets a role's fair-share weight. A non-positive weight
// restores the default of 1.
func (m *Master) SetWeight(role string, weight float64) {
	m.post(func() {
		if role == "" {
			m.metrics.ValidationsDropped.Inc(1)
			return
		}
		if weight <= 0 {
			delete(m.weights, role)
			m.maybeDropRole(role)
			return
		}
		m.weights[role] = weight
		if _, ok := m.roles[role]; !ok {
			m.roles[role] = &Role{
				Name:       role,
				frameworks: make(map[api.FrameworkID]struct{}),
			}
		}
		log.WithFields(log.Fields{
			"role":   role,
			"weight": weight,
		}).Info("Set weight.")
	})
}

// Weights answers the configured role weights.
func (m *Master) Weights() map[string]float64 {
	result := make(chan map[string]float64, 1)
	if !m.post(func() {
		out := make(map[string]float64, len(m.weights))
		for role, w := range m.weights {
			out[role] = w
		}
		result <- out
	}) {
		return nil
	}
	return <-result
}
