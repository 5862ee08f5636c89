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

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/uber/skymaster/pkg/common"
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/registry"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// volume is a persistent volume carved out of a role's disk
// reservation.
type volume struct {
	role string
	disk float64
}

// Agent is a registered agent. Owned by the event loop.
type Agent struct {
	Info      api.AgentInfo
	Connected bool
	// Active gates allocation: an inactive agent keeps its state but
	// receives no new offers.
	Active           bool
	RegisteredTime   time.Time
	ReregisteredTime time.Time

	conn api.Connection

	// total is the declared pool plus applied operations, keyed by
	// role. checkpointed is the subset the agent must persist across
	// restarts (reservations and volumes).
	total        scalar.RoleResources
	checkpointed scalar.RoleResources
	volumes      map[string]volume

	usedByFramework map[api.FrameworkID]scalar.Resources
	offered         scalar.Resources

	offers        map[api.OfferID]struct{}
	inverseOffers map[api.OfferID]struct{}

	tasks     map[api.FrameworkID]map[api.TaskID]struct{}
	executors map[api.FrameworkID]map[api.ExecutorID]api.ExecutorInfo

	// killedTasks holds tasks the master asked to be killed, retained
	// to answer a re-registration racing the kill.
	killedTasks map[api.FrameworkID]map[api.TaskID]struct{}
}

// usedTotal sums used resources across frameworks.
func (a *Agent) usedTotal() scalar.Resources {
	var total scalar.Resources
	for _, res := range a.usedByFramework {
		total = total.Add(res)
	}
	return total
}

// AgentState is the master's answer to "what do you know about this
// agent".
type AgentState int

// Agent states answerable through AgentStatus.
const (
	// AgentStateUnknown means the master cannot answer authoritatively:
	// the agent is mid-recovery and has neither re-registered nor had
	// its grace timer expire.
	AgentStateUnknown AgentState = iota
	AgentStatePresent
	AgentStateAbsent
	AgentStateUnreachable
)

// agentIndex holds every agent the master knows about, plus the
// transitional sets that gate which questions may be answered about an
// agent mid-transition.
type agentIndex struct {
	registered map[api.AgentID]*Agent
	byAddress  map[string]*Agent

	// registering holds addresses with an admit round-trip in flight.
	registering map[string]struct{}
	// reregistering holds recovered agents with a mark-reachable
	// round-trip in flight.
	reregistering map[api.AgentID]struct{}
	// recovered holds agents loaded from the registry after failover,
	// yet to be confirmed by re-registration.
	recovered      map[api.AgentID]api.AgentInfo
	recoveryTimers map[api.AgentID]*time.Timer
	// removing and markingUnreachable hold agents with the respective
	// registry round-trip in flight.
	removing           map[api.AgentID]struct{}
	markingUnreachable map[api.AgentID]struct{}

	// unreachable preserves registry order; unreachableIDs indexes it.
	unreachable    []registry.UnreachableRecord
	unreachableIDs map[api.AgentID]struct{}

	// removed is the bounded cache of recently removed agent IDs, used
	// to reject duplicate removal races.
	removed *boundedIDSet
}

func newAgentIndex(removedMax int) *agentIndex {
	return &agentIndex{
		registered:         make(map[api.AgentID]*Agent),
		byAddress:          make(map[string]*Agent),
		registering:        make(map[string]struct{}),
		reregistering:      make(map[api.AgentID]struct{}),
		recovered:          make(map[api.AgentID]api.AgentInfo),
		recoveryTimers:     make(map[api.AgentID]*time.Timer),
		removing:           make(map[api.AgentID]struct{}),
		markingUnreachable: make(map[api.AgentID]struct{}),
		unreachableIDs:     make(map[api.AgentID]struct{}),
		removed:            newBoundedIDSet(removedMax),
	}
}

func (idx *agentIndex) markUnreachableRecord(rec registry.UnreachableRecord) {
	idx.unreachable = append(idx.unreachable, rec)
	idx.unreachableIDs[rec.Info.ID] = struct{}{}
}

func (idx *agentIndex) dropUnreachableRecord(id api.AgentID) {
	if _, ok := idx.unreachableIDs[id]; !ok {
		return
	}
	delete(idx.unreachableIDs, id)
	for i, rec := range idx.unreachable {
		if rec.Info.ID == id {
			idx.unreachable = append(idx.unreachable[:i], idx.unreachable[i+1:]...)
			return
		}
	}
}

// boundedIDSet is a fixed-capacity set of agent IDs, oldest evicted
// first.
type boundedIDSet struct {
	max   int
	order []api.AgentID
	ids   map[api.AgentID]struct{}
}

func newBoundedIDSet(max int) *boundedIDSet {
	return &boundedIDSet{max: max, ids: make(map[api.AgentID]struct{})}
}

func (s *boundedIDSet) add(id api.AgentID) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) == s.max {
		delete(s.ids, s.order[0])
		copy(s.order, s.order[1:])
		s.order = s.order[:len(s.order)-1]
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
}

func (s *boundedIDSet) contains(id api.AgentID) bool {
	_, ok := s.ids[id]
	return ok
}

// totalFromInfo derives the agent's role resource pool from its
// declaration, folding the port ranges into the scalar port count.
func totalFromInfo(info api.AgentInfo) scalar.RoleResources {
	total := info.Resources.Clone()
	if total == nil {
		total = make(scalar.RoleResources)
	}
	var ports float64
	for _, r := range info.PortRanges {
		ports += r.Size()
	}
	if ports > 0 {
		def := total[common.DefaultRole]
		def.Ports += ports
		total[common.DefaultRole] = def
	}
	return total
}

// checkpointedFromTotal extracts the reserved (non-default role) subset
// of the pool, which the agent must persist across restarts.
func checkpointedFromTotal(total scalar.RoleResources) scalar.RoleResources {
	cp := make(scalar.RoleResources)
	for role, res := range total {
		if role != common.DefaultRole {
			cp[role] = res
		}
	}
	return cp
}

// RegisterAgent handles an agent's registration attempt. At most one
// registration may be in flight per network address; concurrent
// duplicates are rejected.
func (m *Master) RegisterAgent(conn api.Connection, info api.AgentInfo) {
	m.post(func() { m.handleRegisterAgent(conn, info) })
}

func (m *Master) handleRegisterAgent(conn api.Connection, info api.AgentInfo) {
	if info.Address == "" || !info.Resources.NonNegative() {
		m.metrics.ValidationsDropped.Inc(1)
		log.WithField("hostname", info.Hostname).
			Info("Dropping agent registration: invalid agent info.")
		return
	}

	if agent, ok := m.slaves.byAddress[info.Address]; ok {
		// Retransmitted registration from an agent we already admitted;
		// just re-acknowledge.
		m.send(conn, string(agent.Info.ID),
			&api.AgentRegisteredMessage{AgentID: agent.Info.ID})
		return
	}
	if _, ok := m.slaves.registering[info.Address]; ok {
		m.metrics.AgentRegistrationRaces.Inc(1)
		log.WithField("address", info.Address).
			Info("Dropping agent registration: admission already in flight for address.")
		return
	}

	if info.ID == "" {
		info.ID = api.AgentID("agent-" + uuid.New())
	}
	m.slaves.registering[info.Address] = struct{}{}

	op := registry.Admit{Info: info}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(mutated bool, err error) {
			delete(m.slaves.registering, info.Address)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithFields(log.Fields{
					"agent_id": info.ID,
					"address":  info.Address,
				}).Error("Agent admission failed; registration aborted.")
				m.send(conn, string(info.ID), &api.ShutdownAgentMessage{
					Message: "admission refused",
				})
				return
			}
			if !mutated {
				m.metrics.ConflictsDropped.Inc(1)
				log.WithField("agent_id", info.ID).
					Warn("Agent admission applied without mutation; dropping registration.")
				return
			}

			agent := m.addAgent(info, conn)
			m.alloc.AddAgent(info.ID, info, agent.total.Flatten(), scalar.Resources{})
			m.metrics.AgentsRegistered.Inc(1)
			log.WithFields(log.Fields{
				"agent_id": info.ID,
				"hostname": info.Hostname,
				"total":    agent.total.Flatten().String(),
			}).Info("Registered agent.")
			m.send(conn, string(info.ID),
				&api.AgentRegisteredMessage{AgentID: info.ID})
		})
}

// addAgent creates the in-memory Agent and indexes it. Callers
// introduce its pool to the allocator once any reported usage has been
// charged.
func (m *Master) addAgent(info api.AgentInfo, conn api.Connection) *Agent {
	total := totalFromInfo(info)
	agent := &Agent{
		Info:           info,
		Connected:      true,
		Active:         true,
		RegisteredTime: time.Now(),
		conn:           conn,

		total:        total,
		checkpointed: checkpointedFromTotal(total),
		volumes:      make(map[string]volume),

		usedByFramework: make(map[api.FrameworkID]scalar.Resources),

		offers:        make(map[api.OfferID]struct{}),
		inverseOffers: make(map[api.OfferID]struct{}),

		tasks:       make(map[api.FrameworkID]map[api.TaskID]struct{}),
		executors:   make(map[api.FrameworkID]map[api.ExecutorID]api.ExecutorInfo),
		killedTasks: make(map[api.FrameworkID]map[api.TaskID]struct{}),
	}
	m.slaves.registered[info.ID] = agent
	m.slaves.byAddress[info.Address] = agent
	m.metrics.ActiveAgentsGauge.Update(float64(len(m.slaves.registered)))
	return agent
}

// ReregisterAgent handles an agent reconnecting, carrying its own view
// of the frameworks, live tasks and executors built during its prior
// run.
func (m *Master) ReregisterAgent(
	conn api.Connection,
	info api.AgentInfo,
	frameworks []api.FrameworkInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	m.post(func() { m.handleReregisterAgent(conn, info, frameworks, tasks, executors) })
}

func (m *Master) handleReregisterAgent(
	conn api.Connection,
	info api.AgentInfo,
	frameworks []api.FrameworkInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	id := info.ID
	if id == "" {
		m.metrics.ValidationsDropped.Inc(1)
		log.WithField("hostname", info.Hostname).
			Info("Dropping agent re-registration without an ID.")
		return
	}
	if _, ok := m.slaves.removing[id]; ok {
		log.WithField("agent_id", id).
			Info("Dropping re-registration: agent is being removed.")
		return
	}
	if _, ok := m.slaves.markingUnreachable[id]; ok {
		log.WithField("agent_id", id).
			Info("Dropping re-registration: agent is being marked unreachable.")
		return
	}
	if _, ok := m.slaves.reregistering[id]; ok {
		log.WithField("agent_id", id).
			Info("Dropping re-registration: one already in flight.")
		return
	}

	// Frameworks the agent still hosts tasks for may not have
	// re-subscribed yet after a failover. Remember their infos so the
	// tasks can be tracked now and the aggregates attached when the
	// framework returns.
	for _, fwInfo := range frameworks {
		if fwInfo.ID == "" {
			continue
		}
		if _, ok := m.frameworks.registered[fwInfo.ID]; ok {
			continue
		}
		if m.frameworks.isCompleted(fwInfo.ID) {
			// Torn down while the agent was away; its tasks get killed
			// during reconciliation.
			continue
		}
		m.frameworks.recovered[fwInfo.ID] = fwInfo
	}

	if agent, ok := m.slaves.registered[id]; ok {
		// Known agent reconnecting (agent or master side link bounce).
		m.reconnectAgent(agent, conn, info, tasks, executors)
		return
	}

	if _, ok := m.slaves.recovered[id]; ok {
		// Recovered from the registry after failover; must be marked
		// reachable before being trusted.
		m.confirmRecoveredAgent(conn, info, tasks, executors)
		return
	}

	if _, ok := m.slaves.unreachableIDs[id]; ok {
		// Previously marked unreachable; returning to the fold.
		m.returnUnreachableAgent(conn, info, tasks, executors)
		return
	}

	// The registry has never heard of this agent (or it was removed):
	// it must register from scratch.
	m.metrics.AgentShutdowns.Inc(1)
	log.WithField("agent_id", id).
		Info("Asking unknown re-registering agent to shut down.")
	m.send(conn, string(id), &api.ShutdownAgentMessage{
		Message: "agent is not admitted, register anew",
	})
}

// reconnectAgent reattaches a known agent and reconciles its reported
// view against the master's.
func (m *Master) reconnectAgent(
	agent *Agent,
	conn api.Connection,
	info api.AgentInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	if agent.conn != nil && agent.conn.StreamID() != conn.StreamID() {
		agent.conn.Close()
	}
	agent.conn = conn
	agent.Connected = true
	agent.Active = true
	agent.ReregisteredTime = time.Now()
	agent.Info.Version = info.Version
	agent.Info.Capabilities = info.Capabilities
	m.alloc.ActivateAgent(agent.Info.ID)

	m.reconcileAgentTasks(agent, tasks, executors)
	m.metrics.AgentsReregistered.Inc(1)
	m.send(conn, string(agent.Info.ID),
		&api.AgentReregisteredMessage{AgentID: agent.Info.ID})
}

// reconcileAgentTasks diffs the agent's reported tasks against the
// master's tables. Reported tasks the master does not know become
// tracked if their framework is known, are re-killed if a kill raced
// the re-registration, and are killed outright otherwise. Tasks the
// master knows but the agent did not report are gone as far as the
// agent is concerned and are transitioned out.
func (m *Master) reconcileAgentTasks(
	agent *Agent,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	reported := make(map[taskKey]struct{}, len(tasks))

	for _, ex := range executors {
		if fw := m.frameworks.registered[ex.FrameworkID]; fw != nil {
			m.addExecutor(fw, agent, ex)
			continue
		}
		if _, ok := m.frameworks.recovered[ex.FrameworkID]; ok {
			// Framework recovered but not yet re-subscribed: charge
			// the agent side so the allocator sees the usage; the
			// framework side attaches at re-subscription.
			m.trackRecoveredExecutor(agent, ex)
		}
	}

	for _, rt := range tasks {
		t := rt.Task
		t.AgentID = agent.Info.ID
		key := taskKey{frameworkID: t.FrameworkID, taskID: t.ID}
		reported[key] = struct{}{}

		if rt.State.IsTerminal() {
			continue
		}
		if killed := agent.killedTasks[t.FrameworkID]; killed != nil {
			if _, ok := killed[t.ID]; ok {
				// The kill raced the re-registration; re-issue it.
				m.send(agent.conn, string(agent.Info.ID), &api.KillTaskMessage{
					FrameworkID: t.FrameworkID,
					TaskID:      t.ID,
				})
				continue
			}
		}
		if _, ok := m.tasks[key]; ok {
			continue
		}

		fw := m.frameworks.registered[t.FrameworkID]
		if fw == nil {
			if _, ok := m.frameworks.recovered[t.FrameworkID]; !ok {
				// Unknown framework: the task has no owner to report to.
				log.WithFields(log.Fields{
					"agent_id":     agent.Info.ID,
					"framework_id": t.FrameworkID,
					"task_id":      t.ID,
				}).Info("Killing reported task of unknown framework.")
				m.send(agent.conn, string(agent.Info.ID), &api.KillTaskMessage{
					FrameworkID: t.FrameworkID,
					TaskID:      t.ID,
				})
				continue
			}
			// Framework is recovered but not yet re-subscribed: track
			// the task so its resources are accounted; the aggregates
			// attach when the framework re-subscribes.
			m.trackRecoveredTask(agent, t, rt.State)
			continue
		}
		m.addTask(fw, agent, t, rt.State)
	}

	// Tasks the master knows on this agent which the agent no longer
	// reports are gone.
	var dropped []*Task
	for fwID, byID := range agent.tasks {
		for taskID := range byID {
			key := taskKey{frameworkID: fwID, taskID: taskID}
			if _, ok := reported[key]; ok {
				continue
			}
			if t := m.tasks[key]; t != nil {
				dropped = append(dropped, t)
			}
		}
	}
	for _, t := range dropped {
		m.terminateTask(t, api.TaskDropped, api.ReasonReconciliation,
			"task not reported by re-registering agent")
	}
}

// trackRecoveredTask tracks a task whose framework has not
// re-subscribed yet. Only the agent side of the accounting is charged;
// the framework side attaches at re-subscription.
func (m *Master) trackRecoveredTask(
	agent *Agent, info api.TaskInfo, state api.TaskState) {
	key := taskKey{frameworkID: info.FrameworkID, taskID: info.ID}
	if _, ok := m.tasks[key]; ok {
		return
	}
	m.tasks[key] = &Task{
		Info:         info,
		State:        state,
		LaunchedTime: time.Now(),
	}
	if agent.tasks[info.FrameworkID] == nil {
		agent.tasks[info.FrameworkID] = make(map[api.TaskID]struct{})
	}
	agent.tasks[info.FrameworkID][info.ID] = struct{}{}
	if !state.IsTerminal() {
		agent.usedByFramework[info.FrameworkID] =
			agent.usedByFramework[info.FrameworkID].Add(info.Resources)
	}
}

// confirmRecoveredAgent runs the mark-reachable round-trip required
// before a registry-recovered agent may be trusted again.
func (m *Master) confirmRecoveredAgent(
	conn api.Connection,
	info api.AgentInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	id := info.ID
	m.slaves.reregistering[id] = struct{}{}

	op := registry.MarkReachable{Info: info}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			delete(m.slaves.reregistering, id)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithField("agent_id", id).
					Error("Mark-reachable failed; re-registration aborted.")
				return
			}
			if _, ok := m.slaves.recovered[id]; !ok {
				// The grace timer fired (or the agent was removed)
				// while the round-trip was outstanding.
				log.WithField("agent_id", id).
					Info("Recovered agent vanished during mark-reachable; dropping.")
				return
			}
			m.completeAgentReadmission(conn, info, tasks, executors)
		})
}

// returnUnreachableAgent brings an unreachable agent back through
// mark-reachable.
func (m *Master) returnUnreachableAgent(
	conn api.Connection,
	info api.AgentInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	id := info.ID
	m.slaves.reregistering[id] = struct{}{}

	op := registry.MarkReachable{Info: info}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			delete(m.slaves.reregistering, id)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithField("agent_id", id).
					Error("Mark-reachable failed; re-registration aborted.")
				return
			}
			if _, ok := m.slaves.unreachableIDs[id]; !ok {
				log.WithField("agent_id", id).
					Info("Agent left unreachable index during mark-reachable; dropping.")
				return
			}
			m.completeAgentReadmission(conn, info, tasks, executors)
		})
}

// completeAgentReadmission finishes a confirmed re-registration: the
// agent leaves whatever transitional set held it, its Agent object is
// rebuilt from the reported state, and its grace timer (if any) is
// cancelled.
func (m *Master) completeAgentReadmission(
	conn api.Connection,
	info api.AgentInfo,
	tasks []api.RunningTask,
	executors []api.ExecutorInfo) {
	id := info.ID
	delete(m.slaves.recovered, id)
	m.slaves.dropUnreachableRecord(id)
	m.metrics.UnreachableGauge.Update(float64(len(m.slaves.unreachable)))
	if timer, ok := m.slaves.recoveryTimers[id]; ok {
		timer.Stop()
		delete(m.slaves.recoveryTimers, id)
	}

	agent := m.addAgent(info, conn)
	agent.ReregisteredTime = time.Now()
	m.reconcileAgentTasks(agent, tasks, executors)
	m.alloc.AddAgent(id, info, agent.total.Flatten(), agent.usedTotal())

	m.metrics.AgentsReregistered.Inc(1)
	log.WithFields(log.Fields{
		"agent_id": id,
		"hostname": info.Hostname,
		"tasks":    len(tasks),
	}).Info("Re-registered agent after recovery.")
	m.send(conn, string(id), &api.AgentReregisteredMessage{AgentID: id})
}

// AgentDisconnected records a dropped agent connection. Not an error:
// state is kept, offers are withdrawn, and the agent stops receiving
// allocations until it reconnects or is marked unreachable.
func (m *Master) AgentDisconnected(id api.AgentID) {
	m.post(func() {
		agent, ok := m.slaves.registered[id]
		if !ok {
			return
		}
		agent.Connected = false
		agent.Active = false
		m.metrics.AgentsDisconnected.Inc(1)
		m.alloc.DeactivateAgent(id)
		m.rescindOffersOnAgent(agent, "agent disconnected")
	})
}

// MarkAgentUnreachable transitions an agent whose liveness check
// failed. Nothing changes until the registry confirms the transition.
func (m *Master) MarkAgentUnreachable(id api.AgentID, reason string) {
	m.post(func() { m.handleMarkAgentUnreachable(id, reason) })
}

func (m *Master) handleMarkAgentUnreachable(id api.AgentID, reason string) {
	if _, ok := m.slaves.markingUnreachable[id]; ok {
		return
	}
	if _, ok := m.slaves.removing[id]; ok {
		return
	}
	agent, ok := m.slaves.registered[id]
	if !ok {
		m.metrics.ConflictsDropped.Inc(1)
		return
	}
	m.slaves.markingUnreachable[id] = struct{}{}

	now := time.Now()
	op := registry.MarkUnreachable{Info: agent.Info, Time: now}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			delete(m.slaves.markingUnreachable, id)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithField("agent_id", id).
					Error("Mark-unreachable failed; agent state unchanged.")
				return
			}
			agent, ok := m.slaves.registered[id]
			if !ok {
				return
			}
			m.metrics.AgentsUnreachable.Inc(1)
			log.WithFields(log.Fields{
				"agent_id": id,
				"reason":   reason,
			}).Info("Marked agent unreachable.")
			m.removeAgentFromCluster(
				agent, api.TaskUnreachable, api.ReasonAgentUnreachable, reason)
			m.slaves.markUnreachableRecord(registry.UnreachableRecord{
				Info:  agent.Info,
				Since: now,
			})
			m.metrics.UnreachableGauge.Update(float64(len(m.slaves.unreachable)))
		})
}

// RemoveAgent removes an agent from the cluster for good (operator
// action). Differs from mark-unreachable in the terminal task state and
// in the agent being deleted from the registry rather than parked in
// its unreachable list.
func (m *Master) RemoveAgent(id api.AgentID, reason string) {
	m.post(func() { m.handleRemoveAgent(id, reason) })
}

func (m *Master) handleRemoveAgent(id api.AgentID, reason string) {
	if _, ok := m.slaves.removing[id]; ok {
		return
	}
	if m.slaves.removed.contains(id) {
		m.metrics.ConflictsDropped.Inc(1)
		log.WithField("agent_id", id).
			Info("Dropping duplicate agent removal.")
		return
	}
	agent, ok := m.slaves.registered[id]
	if !ok {
		m.metrics.ConflictsDropped.Inc(1)
		return
	}
	m.slaves.removing[id] = struct{}{}

	op := registry.Remove{Info: agent.Info}
	m.subcall(
		func() (bool, error) { return m.registrar.Apply(op) },
		func(_ bool, err error) {
			delete(m.slaves.removing, id)
			if err != nil {
				m.metrics.RegistryOpFailures.Inc(1)
				log.WithError(err).WithField("agent_id", id).
					Error("Registry removal failed; agent state unchanged.")
				return
			}
			agent, ok := m.slaves.registered[id]
			if !ok {
				return
			}
			m.metrics.AgentsRemoved.Inc(1)
			log.WithFields(log.Fields{
				"agent_id": id,
				"reason":   reason,
			}).Info("Removed agent.")
			m.send(agent.conn, string(id), &api.ShutdownAgentMessage{
				Message: "agent removed: " + reason,
			})
			m.removeAgentFromCluster(
				agent, api.TaskLost, api.ReasonAgentRemoved, reason)
		})
}

// removeAgentFromCluster evicts an agent from all in-memory tables:
// every live task on it is transitioned to the given terminal state,
// its offers and inverse offers are rescinded, its executors released,
// and the agent ID enters the recently removed cache.
func (m *Master) removeAgentFromCluster(
	agent *Agent,
	taskState api.TaskState,
	reason api.StatusReason,
	message string) {
	id := agent.Info.ID

	var doomed []*Task
	for fwID, byID := range agent.tasks {
		for taskID := range byID {
			key := taskKey{frameworkID: fwID, taskID: taskID}
			if t := m.tasks[key]; t != nil {
				doomed = append(doomed, t)
			}
		}
	}
	for _, t := range doomed {
		m.terminateTask(t, taskState, reason, message)
	}

	for fwID, byID := range agent.executors {
		fw := m.frameworks.registered[fwID]
		if fw == nil {
			continue
		}
		for exID := range byID {
			m.removeExecutor(fw, agent, exID)
		}
	}

	m.rescindOffersOnAgent(agent, message)
	m.rescindInverseOffersOnAgent(agent, message)

	delete(m.slaves.registered, id)
	delete(m.slaves.byAddress, agent.Info.Address)
	m.slaves.removed.add(id)
	m.alloc.RemoveAgent(id)
	if agent.conn != nil {
		agent.conn.Close()
	}
	m.metrics.ActiveAgentsGauge.Update(float64(len(m.slaves.registered)))
}

// ApplyAgentOperations applies operator-initiated resource operations
// (reserve, unreserve, volume create/destroy) transactionally to an
// agent's pool: either every operation applies, or none does.
func (m *Master) ApplyAgentOperations(id api.AgentID, ops []api.Operation) {
	m.post(func() {
		agent, ok := m.slaves.registered[id]
		if !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}

		total := agent.total.Clone()
		volumes := make(map[string]volume, len(agent.volumes))
		for vid, v := range agent.volumes {
			volumes[vid] = v
		}

		// Dry-run every operation against the cloned pool so the
		// operator sees all problems at once, not just the first.
		var verr error
		for _, op := range ops {
			next, nextVolumes, err := applyResourceOperation(op, total, volumes)
			if err != nil {
				verr = multierr.Append(verr, err)
				continue
			}
			total, volumes = next, nextVolumes
		}
		if verr != nil {
			m.metrics.OperationsDropped.Inc(int64(len(multierr.Errors(verr))))
			log.WithError(verr).WithField("agent_id", id).
				Info("Rejecting agent resource operations.")
			return
		}

		// The shrunk pool must still cover everything already used or
		// offered.
		inUse := agent.usedTotal().Add(agent.offered)
		if !total.Flatten().Contains(inUse) {
			m.metrics.OperationsDropped.Inc(1)
			log.WithFields(log.Fields{
				"agent_id": id,
				"in_use":   inUse.String(),
			}).Info("Rejecting agent resource operations: pool would drop below usage.")
			return
		}

		agent.total = total
		agent.checkpointed = checkpointedFromTotal(total)
		agent.volumes = volumes
		m.metrics.OperationsApplied.Inc(int64(len(ops)))
		m.alloc.UpdateAgent(id, total.Flatten())

		// Outstanding offers were priced against the old pool.
		m.rescindOffersOnAgent(agent, "agent resources changed")
	})
}

// applyResourceOperation applies one non-launch operation to a candidate
// pool, validating role non-negativity. Returns the updated pool and
// volume set.
func applyResourceOperation(
	op api.Operation,
	total scalar.RoleResources,
	volumes map[string]volume,
) (scalar.RoleResources, map[string]volume, error) {
	switch op.Type {
	case api.OpReserve:
		r := op.Reserve
		if r == nil || r.Role == common.DefaultRole || r.Role == "" {
			return nil, nil, NewValidationError("reserve requires a non-default role")
		}
		next := total.Subtract(common.DefaultRole, r.Resources).Add(r.Role, r.Resources)
		if !next.NonNegative() {
			return nil, nil, NewValidationError(
				"reserve of %s exceeds unreserved pool", r.Resources.String())
		}
		return next, volumes, nil

	case api.OpUnreserve:
		r := op.Unreserve
		if r == nil || r.Role == common.DefaultRole || r.Role == "" {
			return nil, nil, NewValidationError("unreserve requires a non-default role")
		}
		next := total.Subtract(r.Role, r.Resources).Add(common.DefaultRole, r.Resources)
		if !next.NonNegative() {
			return nil, nil, NewValidationError(
				"unreserve of %s exceeds reservation for role %s",
				r.Resources.String(), r.Role)
		}
		// Disk pinned under volumes cannot be unreserved.
		var pinned float64
		for _, v := range volumes {
			if v.role == r.Role {
				pinned += v.disk
			}
		}
		if next[r.Role].Disk < pinned-scalar.ResourceEpsilon {
			return nil, nil, NewValidationError(
				"unreserve would strand volumes of role %s", r.Role)
		}
		return next, volumes, nil

	case api.OpCreateVolume:
		c := op.CreateVolume
		if c == nil || c.Role == common.DefaultRole || c.Role == "" || c.Disk <= 0 {
			return nil, nil, NewValidationError("create volume requires a role and disk")
		}
		if _, ok := volumes[c.VolumeID]; ok {
			return nil, nil, NewConflictError("volume %s already exists", c.VolumeID)
		}
		var pinned float64
		for _, v := range volumes {
			if v.role == c.Role {
				pinned += v.disk
			}
		}
		if total[c.Role].Disk < pinned+c.Disk-scalar.ResourceEpsilon {
			return nil, nil, NewValidationError(
				"volume %s exceeds disk reservation for role %s", c.VolumeID, c.Role)
		}
		next := make(map[string]volume, len(volumes)+1)
		for vid, v := range volumes {
			next[vid] = v
		}
		next[c.VolumeID] = volume{role: c.Role, disk: c.Disk}
		return total, next, nil

	case api.OpDestroyVolume:
		d := op.DestroyVolume
		if d == nil {
			return nil, nil, NewValidationError("destroy volume requires a volume ID")
		}
		if _, ok := volumes[d.VolumeID]; !ok {
			return nil, nil, NewConflictError("volume %s does not exist", d.VolumeID)
		}
		next := make(map[string]volume, len(volumes)-1)
		for vid, v := range volumes {
			if vid != d.VolumeID {
				next[vid] = v
			}
		}
		return total, next, nil
	}
	return nil, nil, NewValidationError(
		"operation %s is not valid outside an offer", op.Type.String())
}

// AgentStatus answers what the master knows about an agent. During
// failover recovery the only honest answer about a yet-unconfirmed
// agent is "unknown".
func (m *Master) AgentStatus(id api.AgentID) AgentState {
	result := make(chan AgentState, 1)
	if !m.post(func() {
		switch {
		case func() bool { _, ok := m.slaves.registered[id]; return ok }():
			result <- AgentStatePresent
		case func() bool { _, ok := m.slaves.recovered[id]; return ok }():
			result <- AgentStateUnknown
		case func() bool { _, ok := m.slaves.reregistering[id]; return ok }():
			result <- AgentStateUnknown
		case func() bool { _, ok := m.slaves.unreachableIDs[id]; return ok }():
			result <- AgentStateUnreachable
		case m.recovering:
			result <- AgentStateUnknown
		default:
			result <- AgentStateAbsent
		}
	}) {
		return AgentStateUnknown
	}
	return <-result
}
