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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/registry"
)

// Elected starts failover recovery after this master wins leadership.
// The registry snapshot is loaded off the loop; until it lands and
// every recovered agent either re-registers or times out, questions
// about unconfirmed agents are answered with "unknown".
func (m *Master) Elected() {
	m.post(func() {
		if m.recovering || m.recoveryDone {
			return
		}
		m.recovering = true
		log.Info("Gained leadership; recovering registry state.")

		m.inflight.Inc()
		go func() {
			snap, err := m.registrar.Recover()
			if !m.post(func() {
				defer m.inflight.Dec()
				m.handleRecovered(snap, err)
			}) {
				m.inflight.Dec()
			}
		}()
	})
}

func (m *Master) handleRecovered(snap *registry.Snapshot, err error) {
	if err != nil {
		m.metrics.RecoveryFailed.Inc(1)
		m.recovering = false
		log.WithError(err).
			Error("Registry recovery failed; call Elected again to retry.")
		return
	}

	for id, info := range snap.Admitted {
		if _, ok := m.slaves.registered[id]; ok {
			continue
		}
		m.slaves.recovered[id] = info
		m.armRecoveryTimer(id)
	}
	for _, rec := range snap.Unreachable {
		if _, ok := m.slaves.unreachableIDs[rec.Info.ID]; ok {
			continue
		}
		m.slaves.markUnreachableRecord(rec)
	}

	m.recovering = false
	m.recoveryDone = true
	m.metrics.RecoveredAgents.Inc(int64(len(m.slaves.recovered)))
	m.metrics.UnreachableGauge.Update(float64(len(m.slaves.unreachable)))
	log.WithFields(log.Fields{
		"recovered_agents": len(m.slaves.recovered),
		"unreachable":      len(m.slaves.unreachable),
	}).Info("Recovered registry state; awaiting agent re-registrations.")
}

// armRecoveryTimer starts an agent's re-registration grace timer if
// none is armed. A timer firing for an agent that already left the
// recovered set is a no-op.
func (m *Master) armRecoveryTimer(id api.AgentID) {
	if _, ok := m.slaves.recoveryTimers[id]; ok {
		return
	}
	agentID := id
	m.slaves.recoveryTimers[id] = time.AfterFunc(
		m.cfg.AgentReregisterTimeout, func() {
			m.post(func() { m.handleAgentReregisterTimeout(agentID) })
		})
}

// handleAgentReregisterTimeout fires when a recovered agent's
// re-registration grace period elapses. An agent mid-way through a
// registry round-trip is left alone, but the grace window stays armed:
// if that round-trip fails the agent remains recovered and must not
// answer "unknown" forever.
func (m *Master) handleAgentReregisterTimeout(id api.AgentID) {
	delete(m.slaves.recoveryTimers, id)
	if _, ok := m.slaves.recovered[id]; !ok {
		return
	}
	if _, ok := m.slaves.reregistering[id]; ok {
		m.armRecoveryTimer(id)
		return
	}
	if _, ok := m.slaves.markingUnreachable[id]; ok {
		m.armRecoveryTimer(id)
		return
	}

	info := m.slaves.recovered[id]
	m.slaves.markingUnreachable[id] = struct{}{}
	m.metrics.RecoveryTimeouts.Inc(1)
	log.WithField("agent_id", id).
		Info("Recovered agent missed its re-registration window; marking unreachable.")

	now := time.Now()
	op := registry.MarkUnreachable{Info: info, Time: now}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			delete(m.slaves.markingUnreachable, id)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithField("agent_id", id).
					Error("Mark-unreachable failed for timed out agent.")
				if _, ok := m.slaves.recovered[id]; ok {
					m.armRecoveryTimer(id)
				}
				return
			}
			if _, ok := m.slaves.recovered[id]; !ok {
				// Re-registered while the round-trip was outstanding.
				return
			}
			delete(m.slaves.recovered, id)
			m.metrics.AgentsUnreachable.Inc(1)
			m.slaves.markUnreachableRecord(registry.UnreachableRecord{
				Info:  info,
				Since: now,
			})
			m.metrics.UnreachableGauge.Update(float64(len(m.slaves.unreachable)))
		})
}

// PruneUnreachable drops unreachable agents whose retention elapsed
// from the registry and the in-memory index. Safe to call on a timer;
// agents with a prune already in flight are skipped.
func (m *Master) PruneUnreachable() {
	m.post(func() { m.handlePruneUnreachable() })
}

func (m *Master) handlePruneUnreachable() {
	cutoff := time.Now().Add(-m.cfg.UnreachableRetention)
	expired := make(map[api.AgentID]struct{})
	for _, rec := range m.slaves.unreachable {
		if !rec.Since.Before(cutoff) {
			// The list is ordered by Since; nothing later is expired.
			break
		}
		if _, ok := m.gcInFlight[rec.Info.ID]; ok {
			continue
		}
		expired[rec.Info.ID] = struct{}{}
	}
	if len(expired) == 0 {
		return
	}
	for id := range expired {
		m.gcInFlight[id] = struct{}{}
	}

	op := registry.Prune{IDs: expired}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			for id := range expired {
				delete(m.gcInFlight, id)
			}
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).Error("Unreachable prune failed.")
				return
			}
			for id := range expired {
				m.slaves.dropUnreachableRecord(id)
				m.slaves.removed.add(id)
			}
			m.metrics.UnreachablePruned.Inc(int64(len(expired)))
			m.metrics.UnreachableGauge.Update(float64(len(m.slaves.unreachable)))
			log.WithField("pruned", len(expired)).
				Info("Pruned unreachable agents past retention.")
		})
}
