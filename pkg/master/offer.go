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
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// Offer is an outstanding resource offer. It lives in exactly three
// places: the master's offer table, the offering agent and the offered
// framework; all three are updated together.
type Offer struct {
	ID          api.OfferID
	FrameworkID api.FrameworkID
	AgentID     api.AgentID
	Resources   scalar.Resources
	CreatedTime time.Time
}

// InverseOffer asks a framework to vacate an agent ahead of a
// maintenance window.
type InverseOffer struct {
	ID             api.OfferID
	FrameworkID    api.FrameworkID
	AgentID        api.AgentID
	Unavailability api.Unavailability
	Resources      scalar.Resources
	CreatedTime    time.Time
}

// ResourceOffers implements allocator.OfferSink. The allocator calls it
// from its own goroutine; the work re-enters the event loop.
func (m *Master) ResourceOffers(
	frameworkID api.FrameworkID, resources map[api.AgentID]scalar.Resources) {
	m.post(func() { m.handleResourceOffers(frameworkID, resources) })
}

func (m *Master) handleResourceOffers(
	frameworkID api.FrameworkID, resources map[api.AgentID]scalar.Resources) {
	fw, ok := m.frameworks.registered[frameworkID]
	if !ok || !fw.Active {
		// The framework left between allocation and delivery; return
		// the grant.
		for agentID, res := range resources {
			m.alloc.RecoverResources(frameworkID, agentID, res, nil)
		}
		return
	}

	var infos []api.OfferInfo
	for agentID, res := range resources {
		agent, ok := m.slaves.registered[agentID]
		if !ok || !agent.Active {
			m.alloc.RecoverResources(frameworkID, agentID, res, nil)
			continue
		}
		if res.Empty() {
			continue
		}

		offer := &Offer{
			ID:          api.OfferID("offer-" + uuid.New()),
			FrameworkID: frameworkID,
			AgentID:     agentID,
			Resources:   res,
			CreatedTime: time.Now(),
		}
		m.addOffer(offer, fw, agent)
		infos = append(infos, api.OfferInfo{
			ID:        offer.ID,
			AgentID:   agentID,
			Hostname:  agent.Info.Hostname,
			Resources: res,
		})
	}
	if len(infos) == 0 {
		return
	}
	m.send(fw.conn, string(frameworkID), &api.ResourceOffersMessage{Offers: infos})
}

// addOffer inserts an offer into all three indices and charges the
// offered aggregates, arming its expiry timer.
func (m *Master) addOffer(offer *Offer, fw *Framework, agent *Agent) {
	m.offers[offer.ID] = offer
	fw.offers[offer.ID] = struct{}{}
	agent.offers[offer.ID] = struct{}{}

	agent.offered = agent.offered.Add(offer.Resources)
	fw.offeredByAgent[offer.AgentID] = fw.offeredByAgent[offer.AgentID].Add(offer.Resources)
	fw.totalOffered = fw.totalOffered.Add(offer.Resources)

	id := offer.ID
	m.offerTimers[id] = time.AfterFunc(m.cfg.OfferTimeout, func() {
		m.post(func() { m.handleOfferExpired(id) })
	})
	m.metrics.OffersCreated.Inc(1)
	m.metrics.OutstandingOffersGauge.Update(float64(len(m.offers)))
}

// dropOffer removes an offer from all three indices and releases the
// offered aggregates. It does NOT return the resources to the
// allocator; the caller decides whether they are recovered, used or
// lost. Absent IDs are a no-op, which makes every rescind path
// idempotent.
func (m *Master) dropOffer(id api.OfferID) *Offer {
	offer, ok := m.offers[id]
	if !ok {
		return nil
	}
	delete(m.offers, id)
	if timer, ok := m.offerTimers[id]; ok {
		timer.Stop()
		delete(m.offerTimers, id)
	}

	if fw := m.frameworks.registered[offer.FrameworkID]; fw != nil {
		delete(fw.offers, id)
		if rem, ok := fw.offeredByAgent[offer.AgentID].TrySubtract(offer.Resources); ok {
			if rem.Empty() {
				delete(fw.offeredByAgent, offer.AgentID)
			} else {
				fw.offeredByAgent[offer.AgentID] = rem
			}
		}
		fw.totalOffered = fw.totalOffered.Subtract(offer.Resources)
	}
	if agent := m.slaves.registered[offer.AgentID]; agent != nil {
		delete(agent.offers, id)
		agent.offered = agent.offered.Subtract(offer.Resources)
	}
	m.metrics.OutstandingOffersGauge.Update(float64(len(m.offers)))
	return offer
}

// rescindOffer withdraws an offer, tells the framework, and returns the
// resources to the allocator. Rescinding an offer that is already gone
// is a no-op.
func (m *Master) rescindOffer(id api.OfferID, reason string) {
	offer := m.dropOffer(id)
	if offer == nil {
		return
	}
	m.metrics.OffersRescinded.Inc(1)
	log.WithFields(log.Fields{
		"offer_id": id,
		"reason":   reason,
	}).Debug("Rescinded offer.")
	m.alloc.RecoverResources(offer.FrameworkID, offer.AgentID, offer.Resources, nil)
	if fw := m.frameworks.registered[offer.FrameworkID]; fw != nil && fw.Connected {
		m.send(fw.conn, string(offer.FrameworkID),
			&api.RescindOfferMessage{OfferID: id})
	}
}

func (m *Master) handleOfferExpired(id api.OfferID) {
	if _, ok := m.offers[id]; !ok {
		return
	}
	m.metrics.OffersExpired.Inc(1)
	m.rescindOffer(id, "offer timed out")
}

func (m *Master) rescindOffersOnAgent(agent *Agent, reason string) {
	ids := make([]api.OfferID, 0, len(agent.offers))
	for id := range agent.offers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.rescindOffer(id, reason)
	}
}

func (m *Master) rescindOffersForFramework(fw *Framework, reason string) {
	ids := make([]api.OfferID, 0, len(fw.offers))
	for id := range fw.offers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.rescindOffer(id, reason)
	}
}

// actionForOperation maps an offer operation to the authorization it
// requires.
func actionForOperation(op api.Operation) (auth.Action, auth.Object) {
	switch op.Type {
	case api.OpLaunch:
		return auth.ActionRunTask, auth.Object{Value: string(op.Launch.Task.ID)}
	case api.OpReserve:
		return auth.ActionReserve, auth.Object{Role: op.Reserve.Role}
	case api.OpUnreserve:
		return auth.ActionUnreserve, auth.Object{Role: op.Unreserve.Role}
	case api.OpCreateVolume:
		return auth.ActionCreateVolume,
			auth.Object{Role: op.CreateVolume.Role, Value: op.CreateVolume.VolumeID}
	case api.OpDestroyVolume:
		return auth.ActionDestroyVolume,
			auth.Object{Value: op.DestroyVolume.VolumeID}
	}
	return "", auth.Object{}
}

// Accept consumes one or more offers on a single agent, applying the
// given operations against their combined resources. Consumed offers
// are withdrawn immediately; operations apply only after authorization
// clears, and anything left unconsumed is returned to the allocator
// under the framework's filters.
func (m *Master) Accept(
	frameworkID api.FrameworkID,
	offerIDs []api.OfferID,
	ops []api.Operation,
	filters *api.Filters) {
	m.post(func() { m.handleAccept(frameworkID, offerIDs, ops, filters) })
}

func (m *Master) handleAccept(
	frameworkID api.FrameworkID,
	offerIDs []api.OfferID,
	ops []api.Operation,
	filters *api.Filters) {
	fw, ok := m.frameworks.registered[frameworkID]
	if !ok {
		m.metrics.ConflictsDropped.Inc(1)
		return
	}
	if m.throttled(fw.conn, fw.Info.Principal, "accept") {
		return
	}

	// Every offer must be outstanding, owned by the caller, and on the
	// same agent. An accepted offer is consumed either way: a failed
	// accept still withdraws the valid offers it names and returns
	// their resources to the allocator.
	var agentID api.AgentID
	reason := ""
	for _, id := range offerIDs {
		offer, ok := m.offers[id]
		if !ok || offer.FrameworkID != frameworkID {
			reason = "task launched with an invalid or expired offer"
			continue
		}
		if agentID == "" {
			agentID = offer.AgentID
		} else if offer.AgentID != agentID {
			reason = "offers from multiple agents cannot be accepted together"
		}
	}
	if reason != "" {
		m.metrics.ValidationsDropped.Inc(1)
		for _, id := range offerIDs {
			offer, ok := m.offers[id]
			if !ok || offer.FrameworkID != frameworkID {
				continue
			}
			m.dropOffer(id)
			m.alloc.RecoverResources(frameworkID, offer.AgentID, offer.Resources, nil)
		}
		m.failLaunches(fw, ops, api.TaskError, reason)
		return
	}
	if len(offerIDs) == 0 {
		return
	}

	// The offers leave the pool now: a second accept (or a rescind
	// racing this one) will not see them.
	var pool scalar.Resources
	for _, id := range offerIDs {
		if offer := m.dropOffer(id); offer != nil {
			pool = pool.Add(offer.Resources)
		}
	}
	m.metrics.OffersAccepted.Inc(int64(len(offerIDs)))

	principal := fw.Info.Principal
	m.subcall(
		func() (bool, error) {
			for _, op := range ops {
				action, object := actionForOperation(op)
				if action == "" {
					continue
				}
				ok, err := m.authorizer.Authorize(principal, action, object)
				if err != nil || !ok {
					return ok, err
				}
			}
			return true, nil
		},
		func(ok bool, err error) {
			m.completeAccept(frameworkID, agentID, pool, ops, filters, ok, err)
		})
}

// completeAccept runs after the accept's authorization round-trip. The
// framework or the agent may be gone by now; every branch accounts for
// the pooled resources exactly once.
func (m *Master) completeAccept(
	frameworkID api.FrameworkID,
	agentID api.AgentID,
	pool scalar.Resources,
	ops []api.Operation,
	filters *api.Filters,
	authorized bool,
	authErr error) {
	fw := m.frameworks.registered[frameworkID]
	agent := m.slaves.registered[agentID]

	if agent == nil {
		// The agent was removed while authorization was outstanding;
		// its pool is gone and there is nothing to recover into.
		if fw != nil {
			m.failLaunches(fw, ops, api.TaskLost, "agent removed before launch")
		}
		return
	}
	if fw == nil {
		m.alloc.RecoverResources(frameworkID, agentID, pool, nil)
		return
	}

	if authErr != nil {
		m.metrics.AuthorizationErrors.Inc(1)
		log.WithError(authErr).WithField("framework_id", frameworkID).
			Error("Authorization check failed; accept operations dropped.")
		m.failLaunches(fw, ops, api.TaskError, "authorization check failed")
		m.alloc.RecoverResources(frameworkID, agentID, pool, nil)
		return
	}
	if !authorized {
		m.metrics.AuthorizationDenials.Inc(1)
		m.failLaunches(fw, ops, api.TaskError, "operation not authorized")
		m.alloc.RecoverResources(frameworkID, agentID, pool, nil)
		return
	}

	remaining := pool
	for _, op := range ops {
		switch op.Type {
		case api.OpLaunch:
			remaining = m.applyLaunch(fw, agent, op.Launch.Task, remaining)
		default:
			total, volumes, err := applyResourceOperation(op, agent.total, agent.volumes)
			if err != nil {
				m.metrics.OperationsDropped.Inc(1)
				log.WithError(err).WithFields(log.Fields{
					"agent_id":  agentID,
					"operation": op.Type.String(),
				}).Info("Dropping offer operation.")
				continue
			}
			inUse := agent.usedTotal().Add(agent.offered)
			if !total.Flatten().Contains(inUse) {
				m.metrics.OperationsDropped.Inc(1)
				log.WithFields(log.Fields{
					"agent_id":  agentID,
					"operation": op.Type.String(),
				}).Info("Dropping offer operation: pool would drop below usage.")
				continue
			}
			agent.total = total
			agent.checkpointed = checkpointedFromTotal(total)
			agent.volumes = volumes
			m.metrics.OperationsApplied.Inc(1)
			m.alloc.UpdateAgent(agentID, total.Flatten())
		}
	}

	if !remaining.Empty() {
		m.alloc.RecoverResources(frameworkID, agentID, remaining, filters)
	}
}

// applyLaunch validates and launches one task against the remaining
// accept pool, returning the pool minus the task's resources on
// success.
func (m *Master) applyLaunch(
	fw *Framework,
	agent *Agent,
	info api.TaskInfo,
	remaining scalar.Resources) scalar.Resources {
	info.FrameworkID = fw.Info.ID
	info.AgentID = agent.Info.ID

	if info.ID == "" || !info.Resources.NonNegative() {
		m.metrics.TasksDroppedInvalid.Inc(1)
		m.sendTaskStatus(fw, info, api.TaskError, api.ReasonTaskDropped,
			"invalid task description")
		return remaining
	}
	if _, ok := m.tasks[taskKey{frameworkID: fw.Info.ID, taskID: info.ID}]; ok {
		m.metrics.TasksDroppedInvalid.Inc(1)
		m.sendTaskStatus(fw, info, api.TaskError, api.ReasonTaskDropped,
			"duplicate task ID")
		return remaining
	}
	rest, ok := remaining.TrySubtract(info.Resources)
	if !ok {
		m.metrics.TasksDroppedInvalid.Inc(1)
		m.sendTaskStatus(fw, info, api.TaskError, api.ReasonTaskDropped,
			"task exceeds accepted offer resources")
		return remaining
	}

	m.addTask(fw, agent, info, api.TaskStaging)
	m.alloc.UseResources(fw.Info.ID, agent.Info.ID, info.Resources)
	m.send(agent.conn, string(agent.Info.ID), &api.RunTaskMessage{
		FrameworkID: fw.Info.ID,
		Task:        info,
	})
	return rest
}

// failLaunches reports every launch in a failed accept back to the
// framework with the given terminal state.
func (m *Master) failLaunches(
	fw *Framework, ops []api.Operation, state api.TaskState, message string) {
	for _, op := range ops {
		if op.Type != api.OpLaunch || op.Launch == nil {
			continue
		}
		m.metrics.TasksDroppedInvalid.Inc(1)
		m.sendTaskStatus(fw, op.Launch.Task, state, api.ReasonTaskDropped, message)
	}
}

func (m *Master) sendTaskStatus(
	fw *Framework,
	info api.TaskInfo,
	state api.TaskState,
	reason api.StatusReason,
	message string) {
	if !fw.Connected {
		return
	}
	m.send(fw.conn, string(fw.Info.ID), &api.StatusUpdateMessage{
		Status: api.TaskStatus{
			TaskID:      info.ID,
			FrameworkID: fw.Info.ID,
			AgentID:     info.AgentID,
			State:       state,
			Reason:      reason,
			Message:     message,
			Timestamp:   time.Now(),
		},
	})
}

// Decline returns offers unconsumed. The filters ride along to the
// allocator so the framework is not immediately re-offered what it just
// refused.
func (m *Master) Decline(
	frameworkID api.FrameworkID, offerIDs []api.OfferID, filters *api.Filters) {
	m.post(func() {
		fw, ok := m.frameworks.registered[frameworkID]
		if !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		if m.throttled(fw.conn, fw.Info.Principal, "decline") {
			return
		}
		for _, id := range offerIDs {
			offer := m.offers[id]
			if offer == nil || offer.FrameworkID != frameworkID {
				continue
			}
			m.dropOffer(id)
			m.metrics.OffersDeclined.Inc(1)
			m.alloc.RecoverResources(frameworkID, offer.AgentID, offer.Resources, filters)
		}
	})
}

// InverseOffers implements allocator.OfferSink for maintenance-driven
// resource requests.
func (m *Master) InverseOffers(
	frameworkID api.FrameworkID, unavailable map[api.AgentID]api.Unavailability) {
	m.post(func() { m.handleInverseOffers(frameworkID, unavailable) })
}

func (m *Master) handleInverseOffers(
	frameworkID api.FrameworkID, unavailable map[api.AgentID]api.Unavailability) {
	fw, ok := m.frameworks.registered[frameworkID]
	if !ok || !fw.Active {
		return
	}

	var infos []api.InverseOfferInfo
	for agentID, window := range unavailable {
		agent, ok := m.slaves.registered[agentID]
		if !ok {
			continue
		}
		res := fw.usedByAgent[agentID]
		if res.Empty() {
			continue
		}

		inverse := &InverseOffer{
			ID:             api.OfferID("inverse-" + uuid.New()),
			FrameworkID:    frameworkID,
			AgentID:        agentID,
			Unavailability: window,
			Resources:      res,
			CreatedTime:    time.Now(),
		}
		m.inverseOffers[inverse.ID] = inverse
		fw.inverseOffers[inverse.ID] = struct{}{}
		agent.inverseOffers[inverse.ID] = struct{}{}

		id := inverse.ID
		m.inverseOfferTimers[id] = time.AfterFunc(m.cfg.InverseOfferTimeout, func() {
			m.post(func() { m.handleInverseOfferExpired(id) })
		})
		m.metrics.InverseOffersCreated.Inc(1)
		infos = append(infos, api.InverseOfferInfo{
			ID:             inverse.ID,
			AgentID:        agentID,
			Unavailability: window,
			Resources:      res,
		})
	}
	if len(infos) == 0 {
		return
	}
	m.send(fw.conn, string(frameworkID),
		&api.InverseOffersMessage{InverseOffers: infos})
}

// dropInverseOffer removes an inverse offer from all indices. Absent
// IDs are a no-op.
func (m *Master) dropInverseOffer(id api.OfferID) *InverseOffer {
	inverse, ok := m.inverseOffers[id]
	if !ok {
		return nil
	}
	delete(m.inverseOffers, id)
	if timer, ok := m.inverseOfferTimers[id]; ok {
		timer.Stop()
		delete(m.inverseOfferTimers, id)
	}
	if fw := m.frameworks.registered[inverse.FrameworkID]; fw != nil {
		delete(fw.inverseOffers, id)
	}
	if agent := m.slaves.registered[inverse.AgentID]; agent != nil {
		delete(agent.inverseOffers, id)
	}
	return inverse
}

func (m *Master) rescindInverseOffer(id api.OfferID, reason string) {
	inverse := m.dropInverseOffer(id)
	if inverse == nil {
		return
	}
	m.metrics.InverseOffersRescinded.Inc(1)
	log.WithFields(log.Fields{
		"offer_id": id,
		"reason":   reason,
	}).Debug("Rescinded inverse offer.")
	if fw := m.frameworks.registered[inverse.FrameworkID]; fw != nil && fw.Connected {
		m.send(fw.conn, string(inverse.FrameworkID),
			&api.RescindInverseOfferMessage{OfferID: id})
	}
}

func (m *Master) handleInverseOfferExpired(id api.OfferID) {
	if _, ok := m.inverseOffers[id]; !ok {
		return
	}
	m.metrics.InverseOffersExpired.Inc(1)
	m.rescindInverseOffer(id, "inverse offer timed out")
}

func (m *Master) rescindInverseOffersOnAgent(agent *Agent, reason string) {
	ids := make([]api.OfferID, 0, len(agent.inverseOffers))
	for id := range agent.inverseOffers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.rescindInverseOffer(id, reason)
	}
}

func (m *Master) rescindInverseOffersForFramework(fw *Framework, reason string) {
	ids := make([]api.OfferID, 0, len(fw.inverseOffers))
	for id := range fw.inverseOffers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		m.rescindInverseOffer(id, reason)
	}
}

// AcceptInverseOffers acknowledges that the framework will vacate the
// agents in time for their unavailability windows.
func (m *Master) AcceptInverseOffers(
	frameworkID api.FrameworkID, offerIDs []api.OfferID) {
	m.post(func() {
		if _, ok := m.frameworks.registered[frameworkID]; !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		for _, id := range offerIDs {
			inverse := m.inverseOffers[id]
			if inverse == nil || inverse.FrameworkID != frameworkID {
				continue
			}
			m.dropInverseOffer(id)
			m.metrics.InverseOffersAccepted.Inc(1)
		}
	})
}

// DeclineInverseOffers records that the framework will not vacate; the
// offer is withdrawn and may be re-issued closer to the window.
func (m *Master) DeclineInverseOffers(
	frameworkID api.FrameworkID, offerIDs []api.OfferID, filters *api.Filters) {
	m.post(func() {
		if _, ok := m.frameworks.registered[frameworkID]; !ok {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}
		for _, id := range offerIDs {
			inverse := m.inverseOffers[id]
			if inverse == nil || inverse.FrameworkID != frameworkID {
				continue
			}
			m.dropInverseOffer(id)
			m.metrics.InverseOffersDeclined.Inc(1)
		}
	})
}
