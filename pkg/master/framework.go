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

	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/common"
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// Framework is a subscribed framework. Owned by the event loop.
type Framework struct {
	Info      api.FrameworkInfo
	Connected bool
	// Active gates allocation: a disconnected or suppressed framework
	// keeps its state but receives no offers.
	Active           bool
	RegisteredTime   time.Time
	ReregisteredTime time.Time

	conn api.Connection
	// connEpoch increments on every successful (re)subscription. A
	// pending failover timeout carries the epoch it was armed under and
	// fires only if no newer subscription happened since.
	connEpoch uint64

	tasks          map[api.TaskID]struct{}
	completedTasks *taskRing

	offers        map[api.OfferID]struct{}
	inverseOffers map[api.OfferID]struct{}

	usedByAgent    map[api.AgentID]scalar.Resources
	totalUsed      scalar.Resources
	offeredByAgent map[api.AgentID]scalar.Resources
	totalOffered   scalar.Resources

	executors map[api.AgentID]map[api.ExecutorID]api.ExecutorInfo

	failoverTimer *time.Timer
}

// CompletedFramework is the archived record of a removed framework.
type CompletedFramework struct {
	Info             api.FrameworkInfo
	RegisteredTime   time.Time
	UnregisteredTime time.Time
	CompletedTasks   []CompletedTask
}

// frameworkRing is a fixed-capacity ring of completed frameworks,
// oldest evicted first.
type frameworkRing struct {
	max        int
	frameworks []CompletedFramework
}

func newFrameworkRing(max int) *frameworkRing {
	return &frameworkRing{max: max}
}

func (r *frameworkRing) push(f CompletedFramework) {
	if len(r.frameworks) == r.max {
		copy(r.frameworks, r.frameworks[1:])
		r.frameworks = r.frameworks[:len(r.frameworks)-1]
	}
	r.frameworks = append(r.frameworks, f)
}

// frameworkIndex holds every framework the master knows about.
type frameworkIndex struct {
	registered map[api.FrameworkID]*Framework
	// recovered holds framework infos reported by re-registering agents
	// after a failover, for frameworks yet to re-subscribe.
	recovered map[api.FrameworkID]api.FrameworkInfo
	completed *frameworkRing
	// subscribeSeq orders concurrent subscription attempts per
	// framework: only the completion matching the latest sequence may
	// apply, earlier ones are superseded.
	subscribeSeq map[api.FrameworkID]uint64
}

func newFrameworkIndex(completedMax int) *frameworkIndex {
	return &frameworkIndex{
		registered:   make(map[api.FrameworkID]*Framework),
		recovered:    make(map[api.FrameworkID]api.FrameworkInfo),
		completed:    newFrameworkRing(completedMax),
		subscribeSeq: make(map[api.FrameworkID]uint64),
	}
}

func (idx *frameworkIndex) isCompleted(id api.FrameworkID) bool {
	for _, f := range idx.completed.frameworks {
		if f.Info.ID == id {
			return true
		}
	}
	return false
}

// Subscribe handles a framework's subscription attempt. Authorization
// runs off the loop; a subscription superseded by a newer attempt for
// the same framework while the check was outstanding is dropped.
func (m *Master) Subscribe(conn api.Connection, info api.FrameworkInfo) {
	m.post(func() { m.handleSubscribe(conn, info) })
}

func (m *Master) handleSubscribe(conn api.Connection, info api.FrameworkInfo) {
	if m.throttled(conn, info.Principal, "subscribe") {
		return
	}
	if len(info.Roles) == 0 {
		info.Roles = []string{common.DefaultRole}
	}
	if info.FailoverTimeout < 0 {
		info.FailoverTimeout = 0
	}

	isNew := info.ID == ""
	if isNew {
		info.ID = api.FrameworkID("framework-" + uuid.New())
	} else if _, ok := m.frameworks.registered[info.ID]; !ok {
		if _, ok := m.frameworks.recovered[info.ID]; !ok {
			// The ID is not ours to revive: either torn down or never
			// subscribed here.
			m.metrics.SubscriptionsDenied.Inc(1)
			log.WithFields(log.Fields{
				"framework_id": info.ID,
				"name":         info.Name,
			}).Info("Rejecting subscription with unknown framework ID.")
			m.send(conn, string(info.ID), &api.FrameworkErrorMessage{
				Message: "framework has been removed or never subscribed",
			})
			return
		}
	}

	id := info.ID
	seq := m.frameworks.subscribeSeq[id] + 1
	m.frameworks.subscribeSeq[id] = seq

	principal := info.Principal
	roles := info.Roles
	m.subcall(
		func() (bool, error) {
			for _, role := range roles {
				ok, err := m.authorizer.Authorize(
					principal, auth.ActionRegisterFramework, auth.Object{Role: role})
				if err != nil || !ok {
					return ok, err
				}
			}
			return true, nil
		},
		func(ok bool, err error) {
			if m.frameworks.subscribeSeq[id] != seq {
				m.metrics.SubscriptionsSuperseded.Inc(1)
				log.WithField("framework_id", id).
					Info("Dropping superseded subscription attempt.")
				return
			}
			if err != nil {
				m.metrics.AuthorizationErrors.Inc(1)
				log.WithError(err).WithField("framework_id", id).
					Error("Authorization check failed; subscription dropped.")
				m.send(conn, string(id), &api.FrameworkErrorMessage{
					Message: "authorization check failed, retry the subscription",
				})
				return
			}
			if !ok {
				m.metrics.AuthorizationDenials.Inc(1)
				m.metrics.SubscriptionsDenied.Inc(1)
				log.WithFields(log.Fields{
					"framework_id": id,
					"principal":    principal,
				}).Info("Denying subscription: principal not authorized for roles.")
				m.send(conn, string(id), &api.FrameworkErrorMessage{
					Message: "principal not authorized to register for requested roles",
				})
				return
			}
			m.completeSubscription(conn, info, isNew)
		})
}

// completeSubscription installs the framework after its authorization
// cleared. Re-validates every branch: the cluster may have moved while
// the check was outstanding.
func (m *Master) completeSubscription(
	conn api.Connection, info api.FrameworkInfo, isNew bool) {
	id := info.ID

	if fw, ok := m.frameworks.registered[id]; ok {
		m.failoverFramework(fw, conn, info)
		return
	}
	if _, ok := m.frameworks.recovered[id]; ok {
		delete(m.frameworks.recovered, id)
		m.subscribeFramework(conn, info, true)
		return
	}
	if isNew {
		m.subscribeFramework(conn, info, false)
		return
	}
	m.metrics.SubscriptionsDenied.Inc(1)
	m.send(conn, string(id), &api.FrameworkErrorMessage{
		Message: "framework has been removed or never subscribed",
	})
}

// subscribeFramework creates the Framework object. For a recovered
// framework the tasks agents reported while it was away are re-attached
// to its aggregates.
func (m *Master) subscribeFramework(
	conn api.Connection, info api.FrameworkInfo, recovered bool) {
	fw := &Framework{
		Info:           info,
		Connected:      true,
		Active:         true,
		RegisteredTime: time.Now(),
		conn:           conn,
		connEpoch:      1,

		tasks:          make(map[api.TaskID]struct{}),
		completedTasks: newTaskRing(m.cfg.CompletedTasksPerFrameworkMax),

		offers:        make(map[api.OfferID]struct{}),
		inverseOffers: make(map[api.OfferID]struct{}),

		usedByAgent:    make(map[api.AgentID]scalar.Resources),
		offeredByAgent: make(map[api.AgentID]scalar.Resources),

		executors: make(map[api.AgentID]map[api.ExecutorID]api.ExecutorInfo),
	}
	m.frameworks.registered[info.ID] = fw

	if recovered {
		m.attachRecoveredTasks(fw)
		fw.ReregisteredTime = time.Now()
	}
	m.trackFrameworkRoles(fw)

	used := make(map[api.AgentID]scalar.Resources, len(fw.usedByAgent))
	for agentID, res := range fw.usedByAgent {
		used[agentID] = res
	}
	m.alloc.AddFramework(info.ID, info, used)

	m.metrics.FrameworksSubscribed.Inc(1)
	m.metrics.ActiveFrameworksGauge.Update(float64(len(m.frameworks.registered)))
	log.WithFields(log.Fields{
		"framework_id": info.ID,
		"name":         info.Name,
		"roles":        info.Roles,
		"recovered":    recovered,
	}).Info("Subscribed framework.")
	m.send(conn, string(info.ID), &api.SubscribedMessage{FrameworkID: info.ID})
}

// attachRecoveredTasks walks the task arena and charges this
// framework's recovered tasks (and executors) to its aggregates. The
// agent side was already charged when the agent re-registered.
func (m *Master) attachRecoveredTasks(fw *Framework) {
	id := fw.Info.ID
	for key, t := range m.tasks {
		if key.frameworkID != id {
			continue
		}
		fw.tasks[key.taskID] = struct{}{}
		if t.State.IsTerminal() {
			continue
		}
		fw.usedByAgent[t.Info.AgentID] = fw.usedByAgent[t.Info.AgentID].Add(t.Info.Resources)
		fw.totalUsed = fw.totalUsed.Add(t.Info.Resources)
	}
	for _, agent := range m.slaves.registered {
		for exID, ex := range agent.executors[id] {
			if fw.executors[agent.Info.ID] == nil {
				fw.executors[agent.Info.ID] = make(map[api.ExecutorID]api.ExecutorInfo)
			}
			fw.executors[agent.Info.ID][exID] = ex
			fw.usedByAgent[agent.Info.ID] = fw.usedByAgent[agent.Info.ID].Add(ex.Resources)
			fw.totalUsed = fw.totalUsed.Add(ex.Resources)
		}
	}
}

// failoverFramework replaces a subscribed framework's connection with a
// new one. Tasks, executors and resource aggregates survive; pending
// offers are rescinded so the new instance starts from a clean slate.
func (m *Master) failoverFramework(
	fw *Framework, conn api.Connection, info api.FrameworkInfo) {
	id := fw.Info.ID
	if fw.conn != nil && fw.conn.StreamID() != conn.StreamID() {
		fw.conn.Close()
	}
	fw.conn = conn
	fw.Connected = true
	fw.Active = true
	fw.ReregisteredTime = time.Now()
	fw.connEpoch++
	if fw.failoverTimer != nil {
		fw.failoverTimer.Stop()
		fw.failoverTimer = nil
	}

	if !rolesEqual(fw.Info.Roles, info.Roles) {
		m.untrackFrameworkRoles(fw)
		fw.Info.Roles = info.Roles
		m.trackFrameworkRoles(fw)
	}
	fw.Info.Name = info.Name
	fw.Info.FailoverTimeout = info.FailoverTimeout
	fw.Info.Checkpoint = info.Checkpoint

	m.rescindOffersForFramework(fw, "framework failed over")
	m.rescindInverseOffersForFramework(fw, "framework failed over")
	m.alloc.ActivateFramework(id)

	m.metrics.FrameworkFailovers.Inc(1)
	log.WithFields(log.Fields{
		"framework_id": id,
		"name":         fw.Info.Name,
	}).Info("Framework failed over to a new instance.")
	m.send(conn, string(id), &api.SubscribedMessage{FrameworkID: id})
}

func rolesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, r := range a {
		seen[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := seen[r]; !ok {
			return false
		}
	}
	return true
}

// FrameworkDisconnected records a dropped framework connection. The
// framework's tasks keep running; its offers are rescinded and, unless
// it reconnects within its failover timeout, it is removed.
func (m *Master) FrameworkDisconnected(id api.FrameworkID) {
	m.post(func() {
		fw, ok := m.frameworks.registered[id]
		if !ok {
			return
		}
		fw.Connected = false
		fw.Active = false
		m.metrics.FrameworksDisconnected.Inc(1)
		m.alloc.DeactivateFramework(id)
		m.rescindOffersForFramework(fw, "framework disconnected")
		m.rescindInverseOffersForFramework(fw, "framework disconnected")

		if fw.Info.FailoverTimeout <= 0 {
			log.WithField("framework_id", id).
				Info("Removing framework without failover timeout.")
			m.removeFramework(fw)
			return
		}

		epoch := fw.connEpoch
		fw.failoverTimer = time.AfterFunc(fw.Info.FailoverTimeout, func() {
			m.post(func() { m.handleFrameworkFailoverTimeout(id, epoch) })
		})
		log.WithFields(log.Fields{
			"framework_id": id,
			"timeout":      fw.Info.FailoverTimeout,
		}).Info("Framework disconnected; waiting for failover.")
	})
}

func (m *Master) handleFrameworkFailoverTimeout(id api.FrameworkID, epoch uint64) {
	fw, ok := m.frameworks.registered[id]
	if !ok || fw.Connected || fw.connEpoch != epoch {
		// Reconnected (or a newer disconnect re-armed the timer) while
		// this timeout was pending.
		return
	}
	m.metrics.FrameworkFailoverTimeouts.Inc(1)
	log.WithField("framework_id", id).
		Info("Framework failover timeout elapsed; removing framework.")
	m.removeFramework(fw)
}

// Teardown removes a framework at the request of its operator or the
// framework itself, shutting its tasks down on every agent.
func (m *Master) Teardown(conn api.Connection, principal string, id api.FrameworkID) {
	m.post(func() {
		if m.throttled(conn, principal, "teardown") {
			return
		}
		fw, ok := m.frameworks.registered[id]
		if !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}

		fwPrincipal := fw.Info.Principal
		m.subcall(
			func() (bool, error) {
				return m.authorizer.Authorize(principal, auth.ActionTeardown,
					auth.Object{FrameworkPrincipal: fwPrincipal, Value: string(id)})
			},
			func(ok bool, err error) {
				if err != nil {
					m.metrics.AuthorizationErrors.Inc(1)
					log.WithError(err).WithField("framework_id", id).
						Error("Authorization check failed; teardown dropped.")
					return
				}
				if !ok {
					m.metrics.AuthorizationDenials.Inc(1)
					log.WithFields(log.Fields{
						"framework_id": id,
						"principal":    principal,
					}).Info("Denying teardown: principal not authorized.")
					return
				}
				fw, ok := m.frameworks.registered[id]
				if !ok {
					return
				}
				log.WithField("framework_id", id).Info("Tearing down framework.")
				m.removeFramework(fw)
			})
	})
}

// removeFramework evicts a framework from all in-memory tables: its
// agents are told to shut its tasks down, its live tasks transition to
// killed, its executors are released, and its record enters the
// completed ring.
func (m *Master) removeFramework(fw *Framework) {
	id := fw.Info.ID
	fw.Connected = false
	if fw.failoverTimer != nil {
		fw.failoverTimer.Stop()
		fw.failoverTimer = nil
	}

	m.rescindOffersForFramework(fw, "framework removed")
	m.rescindInverseOffersForFramework(fw, "framework removed")

	// Agents hosting this framework's tasks or executors clean up
	// everything under it with one message.
	for _, agent := range m.slaves.registered {
		_, hasTasks := agent.tasks[id]
		_, hasExecutors := agent.executors[id]
		if !hasTasks && !hasExecutors {
			continue
		}
		if agent.Connected {
			m.send(agent.conn, string(agent.Info.ID),
				&api.ShutdownFrameworkMessage{FrameworkID: id})
		}
	}

	var doomed []*Task
	for taskID := range fw.tasks {
		if t := m.tasks[taskKey{frameworkID: id, taskID: taskID}]; t != nil {
			doomed = append(doomed, t)
		}
	}
	for _, t := range doomed {
		m.terminateTask(t, api.TaskKilled, api.ReasonFrameworkRemoved,
			"framework removed")
	}

	for agentID, byID := range fw.executors {
		agent := m.slaves.registered[agentID]
		if agent == nil {
			continue
		}
		for exID := range byID {
			m.removeExecutor(fw, agent, exID)
		}
	}
	for _, agent := range m.slaves.registered {
		delete(agent.killedTasks, id)
	}

	m.untrackFrameworkRoles(fw)
	m.alloc.RemoveFramework(id)

	delete(m.frameworks.registered, id)
	delete(m.frameworks.subscribeSeq, id)
	m.frameworks.completed.push(CompletedFramework{
		Info:             fw.Info,
		RegisteredTime:   fw.RegisteredTime,
		UnregisteredTime: time.Now(),
		CompletedTasks:   append([]CompletedTask(nil), fw.completedTasks.tasks...),
	})
	if fw.conn != nil {
		fw.conn.Close()
	}
	m.metrics.FrameworksRemoved.Inc(1)
	m.metrics.ActiveFrameworksGauge.Update(float64(len(m.frameworks.registered)))
}

// SuppressOffers stops offers to the framework until it revives them.
// Its outstanding offers remain valid.
func (m *Master) SuppressOffers(id api.FrameworkID) {
	m.post(func() {
		if _, ok := m.frameworks.registered[id]; !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		m.alloc.SuppressOffers(id)
	})
}

// ReviveOffers clears the framework's suppression and refusal filters.
func (m *Master) ReviveOffers(id api.FrameworkID) {
	m.post(func() {
		if _, ok := m.frameworks.registered[id]; !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		m.alloc.ReviveOffers(id)
	})
}
