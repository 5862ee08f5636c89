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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/uber/skymaster/pkg/allocator/roundrobin"
	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/registry"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// fakeConn records everything the master sends over it.
type fakeConn struct {
	sync.Mutex

	id       string
	closed   bool
	messages []api.Message
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) StreamID() string { return c.id }

func (c *fakeConn) Send(msg api.Message) error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) Close() {
	c.Lock()
	defer c.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.Lock()
	defer c.Unlock()
	return c.closed
}

// take drains the recorded messages.
func (c *fakeConn) take() []api.Message {
	c.Lock()
	defer c.Unlock()
	msgs := c.messages
	c.messages = nil
	return msgs
}

// fakeAuthorizer answers with a fixed verdict, optionally blocking each
// check on a gate channel.
type fakeAuthorizer struct {
	sync.Mutex

	allow bool
	err   error
	gate  chan struct{}
}

func (a *fakeAuthorizer) Authorize(
	string, auth.Action, auth.Object) (bool, error) {
	a.Lock()
	gate := a.gate
	allow, err := a.allow, a.err
	a.Unlock()
	if gate != nil {
		<-gate
	}
	return allow, err
}

func (a *fakeAuthorizer) set(allow bool, err error) {
	a.Lock()
	defer a.Unlock()
	a.allow = allow
	a.err = err
}

// gatedStore can hold registry persists hostage to widen race windows,
// and fail them on demand.
type gatedStore struct {
	*registry.InMemStore

	sync.Mutex
	gate chan struct{}
	fail error
}

func (s *gatedStore) Persist(snap *registry.Snapshot) error {
	s.Lock()
	gate := s.gate
	fail := s.fail
	s.Unlock()
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return fail
	}
	return s.InMemStore.Persist(snap)
}

func (s *gatedStore) setGate(gate chan struct{}) {
	s.Lock()
	defer s.Unlock()
	s.gate = gate
}

func (s *gatedStore) setFail(err error) {
	s.Lock()
	defer s.Unlock()
	s.fail = err
}

type MasterTestSuite struct {
	suite.Suite

	store *gatedStore
	auth  *fakeAuthorizer
	alloc *roundrobin.Allocator
	m     *Master
}

func TestMasterTestSuite(t *testing.T) {
	suite.Run(t, new(MasterTestSuite))
}

func (s *MasterTestSuite) SetupTest() {
	s.store = &gatedStore{InMemStore: registry.NewInMemStore()}
	s.auth = &fakeAuthorizer{allow: true}
	s.alloc = roundrobin.New()
	s.m = s.newMaster(Config{})
}

func (s *MasterTestSuite) TearDownTest() {
	s.m.Stop()
}

// newMaster builds and starts a recovered master. Timeouts default to
// an hour so background timers never race the test body.
func (s *MasterTestSuite) newMaster(cfg Config) *Master {
	if cfg.OfferTimeout == 0 {
		cfg.OfferTimeout = time.Hour
	}
	if cfg.InverseOfferTimeout == 0 {
		cfg.InverseOfferTimeout = time.Hour
	}
	if cfg.AgentReregisterTimeout == 0 {
		cfg.AgentReregisterTimeout = time.Hour
	}
	m := New(cfg, tally.NoopScope, registry.NewRegistrar(s.store, tally.NoopScope),
		s.alloc, s.auth)
	m.Start()
	m.Elected()
	s.idleOf(m)
	return m
}

func (s *MasterTestSuite) idle() {
	s.idleOf(s.m)
}

func (s *MasterTestSuite) idleOf(m *Master) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.NoError(m.AwaitIdle(ctx))
}

// inLoop runs f on the event loop and waits for it, so tests can read
// loop-owned state without racing it.
func (s *MasterTestSuite) inLoop(f func()) {
	s.inLoopOf(s.m, f)
}

func (s *MasterTestSuite) inLoopOf(m *Master, f func()) {
	done := make(chan struct{})
	s.True(m.post(func() {
		f()
		close(done)
	}))
	<-done
}

func testAgentInfo(id string) api.AgentInfo {
	return api.AgentInfo{
		ID:       api.AgentID(id),
		Hostname: id + ".local",
		Address:  id + ":5051",
		Version:  "1.2.0",
		Resources: scalar.RoleResources{
			"*": {CPU: 8, Mem: 8192, Disk: 10000},
		},
		PortRanges: []api.PortRange{{Begin: 31000, End: 31009}},
	}
}

func (s *MasterTestSuite) registerAgent(id string) *fakeConn {
	conn := newFakeConn("agent-stream-" + id)
	s.m.RegisterAgent(conn, testAgentInfo(id))
	s.idle()

	found := false
	for _, msg := range conn.take() {
		if reg, ok := msg.(*api.AgentRegisteredMessage); ok {
			s.Equal(api.AgentID(id), reg.AgentID)
			found = true
		}
	}
	s.True(found, "agent %s was not acknowledged", id)
	return conn
}

func (s *MasterTestSuite) subscribe(id, principal string) *fakeConn {
	conn := newFakeConn("framework-stream-" + id)
	s.m.Subscribe(conn, api.FrameworkInfo{
		ID:              api.FrameworkID(id),
		Name:            id,
		Principal:       principal,
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	})
	s.idle()
	return conn
}

// subscribeNew subscribes a framework without a preassigned ID and
// returns the ID the master handed out.
func (s *MasterTestSuite) subscribeNew(name, principal string) (api.FrameworkID, *fakeConn) {
	conn := newFakeConn("framework-stream-" + name)
	s.m.Subscribe(conn, api.FrameworkInfo{
		Name:            name,
		Principal:       principal,
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	})
	s.idle()

	for _, msg := range conn.take() {
		if sub, ok := msg.(*api.SubscribedMessage); ok {
			return sub.FrameworkID, conn
		}
	}
	s.FailNow("framework was not subscribed")
	return "", conn
}

// offerTo drives one offer from the sink to the framework and returns
// it.
func (s *MasterTestSuite) offerTo(
	fwID api.FrameworkID, fwConn *fakeConn,
	agentID api.AgentID, res scalar.Resources) api.OfferInfo {
	s.m.ResourceOffers(fwID, map[api.AgentID]scalar.Resources{agentID: res})
	s.idle()

	for _, msg := range fwConn.take() {
		if offers, ok := msg.(*api.ResourceOffersMessage); ok {
			s.Len(offers.Offers, 1)
			return offers.Offers[0]
		}
	}
	s.FailNow("framework received no offer")
	return api.OfferInfo{}
}

func findStatus(msgs []api.Message, taskID api.TaskID) *api.TaskStatus {
	for _, msg := range msgs {
		if upd, ok := msg.(*api.StatusUpdateMessage); ok && upd.Status.TaskID == taskID {
			status := upd.Status
			return &status
		}
	}
	return nil
}

func (s *MasterTestSuite) TestAgentRegistration() {
	s.registerAgent("a1")

	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.NotNil(agent)
		s.True(agent.Connected)
		s.True(agent.Active)
		// Ports fold into the scalar count on the default role.
		s.Equal(10.0, agent.total["*"].Ports)
	})

	snap, err := s.store.Fetch()
	s.NoError(err)
	s.Contains(snap.Admitted, api.AgentID("a1"))

	// A retransmitted registration is re-acknowledged, not re-admitted.
	conn := newFakeConn("agent-stream-a1-retry")
	s.m.RegisterAgent(conn, testAgentInfo("a1"))
	s.idle()
	msgs := conn.take()
	s.Len(msgs, 1)
	s.IsType(&api.AgentRegisteredMessage{}, msgs[0])
	s.inLoop(func() {
		s.Len(s.m.slaves.registered, 1)
	})
}

func (s *MasterTestSuite) TestConcurrentRegistrationSameAddress() {
	gate := make(chan struct{})
	s.store.setGate(gate)

	conn1 := newFakeConn("stream-1")
	conn2 := newFakeConn("stream-2")
	s.m.RegisterAgent(conn1, testAgentInfo("a1"))

	// Wait for the first admission to reach the (gated) store.
	s.Eventually(func() bool {
		return s.m.inflight.Load() == 1
	}, time.Second, time.Millisecond)

	// Same address while the first admission is in flight.
	s.m.RegisterAgent(conn2, testAgentInfo("a1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.NoError(s.m.barrier(ctx))

	s.store.setGate(nil)
	close(gate)
	s.idle()

	s.inLoop(func() {
		s.Len(s.m.slaves.registered, 1)
	})
	s.NotEmpty(conn1.take())
	s.Empty(conn2.take())
}

func (s *MasterTestSuite) TestLaunchAndTerminalStatus() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 4, Mem: 4096})

	task := api.TaskInfo{
		ID:        "t1",
		Name:      "t1",
		Resources: scalar.Resources{CPU: 1, Mem: 1024},
	}
	s.m.Accept(fwID, []api.OfferID{offer.ID}, []api.Operation{
		{Type: api.OpLaunch, Launch: &api.LaunchOperation{Task: task}},
	}, nil)
	s.idle()

	var run *api.RunTaskMessage
	for _, msg := range agentConn.take() {
		if r, ok := msg.(*api.RunTaskMessage); ok {
			run = r
		}
	}
	s.NotNil(run)
	s.Equal(api.TaskID("t1"), run.Task.ID)

	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		fw := s.m.frameworks.registered[fwID]
		s.Equal(1.0, agent.usedByFramework[fwID].CPU)
		s.Equal(1.0, fw.totalUsed.CPU)
		s.Equal(1.0, fw.usedByAgent["a1"].CPU)
		// Both sides of the books agree.
		s.Equal(agent.usedByFramework[fwID], fw.usedByAgent["a1"])
		// The offer left the pool on accept.
		s.Empty(s.m.offers)
		s.True(agent.offered.Empty())
	})

	s.m.StatusUpdate(api.TaskStatus{
		TaskID:      "t1",
		FrameworkID: fwID,
		AgentID:     "a1",
		State:       api.TaskRunning,
	})
	s.idle()
	running := findStatus(fwConn.take(), "t1")
	s.NotNil(running)
	s.Equal(api.TaskRunning, running.State)

	s.m.StatusUpdate(api.TaskStatus{
		TaskID:      "t1",
		FrameworkID: fwID,
		AgentID:     "a1",
		State:       api.TaskFinished,
	})
	s.idle()
	finished := findStatus(fwConn.take(), "t1")
	s.NotNil(finished)
	s.Equal(api.TaskFinished, finished.State)

	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		fw := s.m.frameworks.registered[fwID]
		s.Empty(s.m.tasks)
		s.Empty(agent.usedByFramework)
		s.True(fw.totalUsed.Empty())
		s.Len(fw.completedTasks.tasks, 1)
		s.Equal(api.TaskFinished, fw.completedTasks.tasks[0].State)
	})

	// A duplicate terminal update finds no task and changes nothing.
	s.m.StatusUpdate(api.TaskStatus{
		TaskID:      "t1",
		FrameworkID: fwID,
		AgentID:     "a1",
		State:       api.TaskFailed,
	})
	s.idle()
	s.Nil(findStatus(fwConn.take(), "t1"))
	s.inLoop(func() {
		fw := s.m.frameworks.registered[fwID]
		s.Len(fw.completedTasks.tasks, 1)
		s.Equal(api.TaskFinished, fw.completedTasks.tasks[0].State)
	})
}

func (s *MasterTestSuite) TestAcceptWithInvalidOffer() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	task := api.TaskInfo{ID: "t1", Resources: scalar.Resources{CPU: 1}}
	s.m.Accept(fwID, []api.OfferID{"no-such-offer"}, []api.Operation{
		{Type: api.OpLaunch, Launch: &api.LaunchOperation{Task: task}},
	}, nil)
	s.idle()

	status := findStatus(fwConn.take(), "t1")
	s.NotNil(status)
	s.Equal(api.TaskError, status.State)
	s.inLoop(func() {
		s.Empty(s.m.tasks)
	})
}

func (s *MasterTestSuite) TestFailedAcceptConsumesValidOffers() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 4, Mem: 2048})
	task := api.TaskInfo{ID: "t1", Resources: scalar.Resources{CPU: 1}}
	s.m.Accept(fwID, []api.OfferID{offer.ID, "no-such-offer"}, []api.Operation{
		{Type: api.OpLaunch, Launch: &api.LaunchOperation{Task: task}},
	}, nil)
	s.idle()

	status := findStatus(fwConn.take(), "t1")
	s.NotNil(status)
	s.Equal(api.TaskError, status.State)
	s.inLoop(func() {
		_, ok := s.m.offers[offer.ID]
		s.False(ok, "a failed accept must still withdraw the valid offers it names")
		s.True(s.m.slaves.registered["a1"].offered.Empty())
		s.True(s.m.frameworks.registered[fwID].totalOffered.Empty())
		s.Empty(s.m.tasks)
	})
}

func (s *MasterTestSuite) TestAcceptOversizedLaunch() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2, Mem: 1024})
	task := api.TaskInfo{ID: "t1", Resources: scalar.Resources{CPU: 4}}
	s.m.Accept(fwID, []api.OfferID{offer.ID}, []api.Operation{
		{Type: api.OpLaunch, Launch: &api.LaunchOperation{Task: task}},
	}, nil)
	s.idle()

	status := findStatus(fwConn.take(), "t1")
	s.NotNil(status)
	s.Equal(api.TaskError, status.State)
	s.inLoop(func() {
		s.Empty(s.m.tasks)
		agent := s.m.slaves.registered["a1"]
		s.Empty(agent.usedByFramework)
	})
}

func (s *MasterTestSuite) TestOfferExpiryAndIdempotentRescind() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})
	s.inLoop(func() {
		s.m.handleOfferExpired(offer.ID)
	})

	var rescinded bool
	for _, msg := range fwConn.take() {
		if r, ok := msg.(*api.RescindOfferMessage); ok {
			s.Equal(offer.ID, r.OfferID)
			rescinded = true
		}
	}
	s.True(rescinded)
	s.inLoop(func() {
		s.Empty(s.m.offers)
		s.True(s.m.slaves.registered["a1"].offered.Empty())
	})

	// Expiring or rescinding the same offer again is a clean no-op.
	s.inLoop(func() {
		s.m.handleOfferExpired(offer.ID)
		s.m.rescindOffer(offer.ID, "again")
	})
	s.Empty(fwConn.take())
}

func (s *MasterTestSuite) TestDecline() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})
	s.m.Decline(fwID, []api.OfferID{offer.ID}, &api.Filters{
		RefuseDuration: time.Minute,
	})
	s.idle()

	s.inLoop(func() {
		s.Empty(s.m.offers)
		fw := s.m.frameworks.registered[fwID]
		s.True(fw.totalOffered.Empty())
	})
	// Declining is not a rescind; the framework gave the offer up
	// itself and hears nothing back.
	s.Empty(fwConn.take())
}

func (s *MasterTestSuite) TestAgentDisconnectRescindsOffers() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")

	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})
	s.m.AgentDisconnected("a1")
	s.idle()

	var rescinded bool
	for _, msg := range fwConn.take() {
		if r, ok := msg.(*api.RescindOfferMessage); ok && r.OfferID == offer.ID {
			rescinded = true
		}
	}
	s.True(rescinded)
	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.False(agent.Connected)
		s.False(agent.Active)
		s.Empty(agent.offers)
	})
}

func (s *MasterTestSuite) launchTask(
	fwID api.FrameworkID, fwConn, agentConn *fakeConn,
	agentID api.AgentID, taskID api.TaskID, res scalar.Resources) {
	offer := s.offerTo(fwID, fwConn, agentID, res)
	s.m.Accept(fwID, []api.OfferID{offer.ID}, []api.Operation{
		{Type: api.OpLaunch, Launch: &api.LaunchOperation{
			Task: api.TaskInfo{ID: taskID, Name: string(taskID), Resources: res},
		}},
	}, nil)
	s.idle()
	agentConn.take()
}

func (s *MasterTestSuite) TestMarkUnreachableAndReturn() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})

	s.m.MarkAgentUnreachable("a1", "health checks failed")
	s.idle()

	status := findStatus(fwConn.take(), "t1")
	s.NotNil(status)
	s.Equal(api.TaskUnreachable, status.State)
	s.Equal(api.ReasonAgentUnreachable, status.Reason)
	s.Equal(AgentStateUnreachable, s.m.AgentStatus("a1"))

	snap, err := s.store.Fetch()
	s.NoError(err)
	s.NotContains(snap.Admitted, api.AgentID("a1"))
	s.Len(snap.Unreachable, 1)

	s.inLoop(func() {
		s.Empty(s.m.tasks)
		s.Nil(s.m.slaves.registered["a1"])
	})

	// The agent comes back, still running its task.
	returnConn := newFakeConn("agent-stream-a1-return")
	s.m.ReregisterAgent(returnConn, testAgentInfo("a1"), nil,
		[]api.RunningTask{{
			Task:  api.TaskInfo{ID: "t1", FrameworkID: fwID, Resources: scalar.Resources{CPU: 1}},
			State: api.TaskRunning,
		}}, nil)
	s.idle()

	s.Equal(AgentStatePresent, s.m.AgentStatus("a1"))
	snap, err = s.store.Fetch()
	s.NoError(err)
	s.Contains(snap.Admitted, api.AgentID("a1"))
	s.Empty(snap.Unreachable)

	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.NotNil(agent)
		s.Len(s.m.tasks, 1)
		s.Equal(1.0, agent.usedByFramework[fwID].CPU)
	})
}

func (s *MasterTestSuite) TestRemoveAgent() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})

	s.m.RemoveAgent("a1", "decommissioned")
	s.idle()

	status := findStatus(fwConn.take(), "t1")
	s.NotNil(status)
	s.Equal(api.TaskLost, status.State)
	s.Equal(api.ReasonAgentRemoved, status.Reason)

	var shutdown bool
	for _, msg := range agentConn.take() {
		if _, ok := msg.(*api.ShutdownAgentMessage); ok {
			shutdown = true
		}
	}
	s.True(shutdown)
	s.Equal(AgentStateAbsent, s.m.AgentStatus("a1"))

	snap, err := s.store.Fetch()
	s.NoError(err)
	s.NotContains(snap.Admitted, api.AgentID("a1"))

	// A duplicate removal hits the recently removed cache and is
	// dropped without touching the registry.
	s.m.RemoveAgent("a1", "again")
	s.idle()
	s.inLoop(func() {
		s.True(s.m.slaves.removed.contains("a1"))
	})
}

func (s *MasterTestSuite) TestUnknownAgentReregistrationIsShutDown() {
	conn := newFakeConn("agent-stream-ghost")
	s.m.ReregisterAgent(conn, testAgentInfo("ghost"), nil, nil, nil)
	s.idle()

	msgs := conn.take()
	s.Len(msgs, 1)
	s.IsType(&api.ShutdownAgentMessage{}, msgs[0])
}

func (s *MasterTestSuite) TestFrameworkFailover() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})
	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})

	newConn := newFakeConn("framework-stream-batch-2")
	s.m.Subscribe(newConn, api.FrameworkInfo{
		ID:              fwID,
		Name:            "batch",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	})
	s.idle()

	s.True(fwConn.isClosed())
	var subscribed bool
	for _, msg := range newConn.take() {
		if _, ok := msg.(*api.SubscribedMessage); ok {
			subscribed = true
		}
	}
	s.True(subscribed)

	s.inLoop(func() {
		fw := s.m.frameworks.registered[fwID]
		s.True(fw.Connected)
		// Tasks survive the failover, offers do not.
		s.Len(fw.tasks, 1)
		s.Equal(1.0, fw.totalUsed.CPU)
		s.NotContains(fw.offers, offer.ID)
		s.Empty(s.m.offers)
	})
}

func (s *MasterTestSuite) TestFrameworkFailoverTimeout() {
	agentConn := s.registerAgent("a1")

	fwConn := newFakeConn("framework-stream-quick")
	s.m.Subscribe(fwConn, api.FrameworkInfo{
		Name:            "quick",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: 50 * time.Millisecond,
	})
	s.idle()
	var fwID api.FrameworkID
	for _, msg := range fwConn.take() {
		if sub, ok := msg.(*api.SubscribedMessage); ok {
			fwID = sub.FrameworkID
		}
	}
	s.NotEmpty(fwID)
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})

	s.m.FrameworkDisconnected(fwID)
	s.idle()

	s.Eventually(func() bool {
		var gone bool
		s.inLoop(func() {
			_, ok := s.m.frameworks.registered[fwID]
			gone = !ok
		})
		return gone
	}, time.Second, 10*time.Millisecond)

	var frameworkShutdown bool
	for _, msg := range agentConn.take() {
		if sd, ok := msg.(*api.ShutdownFrameworkMessage); ok && sd.FrameworkID == fwID {
			frameworkShutdown = true
		}
	}
	s.True(frameworkShutdown)

	s.inLoop(func() {
		s.Empty(s.m.tasks)
		agent := s.m.slaves.registered["a1"]
		s.Empty(agent.usedByFramework)
		s.True(s.m.frameworks.isCompleted(fwID))
	})
}

func (s *MasterTestSuite) TestFailoverTimeoutCanceledByReconnect() {
	fwConn := newFakeConn("framework-stream-quick")
	s.m.Subscribe(fwConn, api.FrameworkInfo{
		Name:            "quick",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: 50 * time.Millisecond,
	})
	s.idle()
	var fwID api.FrameworkID
	for _, msg := range fwConn.take() {
		if sub, ok := msg.(*api.SubscribedMessage); ok {
			fwID = sub.FrameworkID
		}
	}

	s.m.FrameworkDisconnected(fwID)
	s.idle()

	newConn := newFakeConn("framework-stream-quick-2")
	s.m.Subscribe(newConn, api.FrameworkInfo{
		ID:              fwID,
		Name:            "quick",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: 50 * time.Millisecond,
	})
	s.idle()

	// Give the stale timer every chance to fire.
	time.Sleep(150 * time.Millisecond)
	s.idle()

	s.inLoop(func() {
		fw := s.m.frameworks.registered[fwID]
		s.NotNil(fw)
		s.True(fw.Connected)
	})
}

func (s *MasterTestSuite) TestSubscribeDenied() {
	s.auth.set(false, nil)
	conn := newFakeConn("framework-stream-denied")
	s.m.Subscribe(conn, api.FrameworkInfo{
		Name:      "denied",
		Principal: "nobody",
		Roles:     []string{"prod"},
	})
	s.idle()

	msgs := conn.take()
	s.Len(msgs, 1)
	s.IsType(&api.FrameworkErrorMessage{}, msgs[0])
	s.inLoop(func() {
		s.Empty(s.m.frameworks.registered)
	})
}

func (s *MasterTestSuite) TestSubscribeAuthorizationError() {
	s.auth.set(true, errors.New("authz backend down"))
	conn := newFakeConn("framework-stream-err")
	s.m.Subscribe(conn, api.FrameworkInfo{
		Name:      "unlucky",
		Principal: "ops",
		Roles:     []string{"*"},
	})
	s.idle()

	msgs := conn.take()
	s.Len(msgs, 1)
	s.IsType(&api.FrameworkErrorMessage{}, msgs[0])
	s.inLoop(func() {
		s.Empty(s.m.frameworks.registered)
	})
}

func (s *MasterTestSuite) TestSubscriptionSuperseded() {
	fwID, _ := s.subscribeNew("batch", "ops")

	gate := make(chan struct{})
	s.auth.Lock()
	s.auth.gate = gate
	s.auth.Unlock()

	conn1 := newFakeConn("framework-stream-old")
	conn2 := newFakeConn("framework-stream-new")
	info := api.FrameworkInfo{
		ID:              fwID,
		Name:            "batch",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	}
	s.m.Subscribe(conn1, info)
	s.m.Subscribe(conn2, info)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.NoError(s.m.barrier(ctx))

	s.auth.Lock()
	s.auth.gate = nil
	s.auth.Unlock()
	close(gate)
	s.idle()

	// Only the later attempt wins; the earlier one is superseded.
	var fromOld, fromNew int
	for _, msg := range conn1.take() {
		if _, ok := msg.(*api.SubscribedMessage); ok {
			fromOld++
		}
	}
	for _, msg := range conn2.take() {
		if _, ok := msg.(*api.SubscribedMessage); ok {
			fromNew++
		}
	}
	s.Equal(0, fromOld)
	s.Equal(1, fromNew)
	s.inLoop(func() {
		s.Equal("framework-stream-new",
			s.m.frameworks.registered[fwID].conn.StreamID())
	})
}

func (s *MasterTestSuite) TestRateLimit() {
	m := s.newMaster(Config{
		RateLimits: map[string]RateLimitConfig{
			"ops": {Rate: 0.001, Burst: 1},
		},
	})
	defer m.Stop()

	conn1 := newFakeConn("framework-stream-1")
	m.Subscribe(conn1, api.FrameworkInfo{
		Name: "first", Principal: "ops", Roles: []string{"*"},
	})
	s.idleOf(m)
	conn2 := newFakeConn("framework-stream-2")
	m.Subscribe(conn2, api.FrameworkInfo{
		Name: "second", Principal: "ops", Roles: []string{"*"},
	})
	s.idleOf(m)

	var subscribed bool
	for _, msg := range conn1.take() {
		if _, ok := msg.(*api.SubscribedMessage); ok {
			subscribed = true
		}
	}
	s.True(subscribed)

	msgs := conn2.take()
	s.Len(msgs, 1)
	exceeded, ok := msgs[0].(*api.ExceededCapacityMessage)
	s.True(ok)
	s.Equal("ops", exceeded.Principal)
	s.Equal("subscribe", exceeded.Call)
}

func (s *MasterTestSuite) TestRateLimitDefaultBurst() {
	// An unset burst must not yield a bucket that admits nothing.
	m := s.newMaster(Config{
		RateLimits: map[string]RateLimitConfig{
			"ops": {Rate: 0.001},
		},
	})
	defer m.Stop()

	conn := newFakeConn("framework-stream-1")
	m.Subscribe(conn, api.FrameworkInfo{
		Name: "first", Principal: "ops", Roles: []string{"*"},
	})
	s.idleOf(m)

	var subscribed bool
	for _, msg := range conn.take() {
		if _, ok := msg.(*api.SubscribedMessage); ok {
			subscribed = true
		}
	}
	s.True(subscribed)
}

func (s *MasterTestSuite) TestApplyAgentOperations() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")
	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})

	s.m.ApplyAgentOperations("a1", []api.Operation{
		{Type: api.OpReserve, Reserve: &api.ReserveOperation{
			Role:      "web",
			Resources: scalar.Resources{CPU: 2, Mem: 2048, Disk: 500},
		}},
		{Type: api.OpCreateVolume, CreateVolume: &api.CreateVolumeOperation{
			Role:     "web",
			VolumeID: "v1",
			Disk:     200,
		}},
	})
	s.idle()

	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.Equal(2.0, agent.total["web"].CPU)
		s.Equal(6.0, agent.total["*"].CPU)
		s.Equal(2.0, agent.checkpointed["web"].CPU)
		s.Contains(agent.volumes, "v1")
		// The outstanding offer was priced against the old pool.
		s.NotContains(s.m.offers, offer.ID)
	})

	// Unreserving under the volume is rejected; the books are
	// transactional.
	s.m.ApplyAgentOperations("a1", []api.Operation{
		{Type: api.OpUnreserve, Unreserve: &api.UnreserveOperation{
			Role:      "web",
			Resources: scalar.Resources{Disk: 400},
		}},
	})
	s.idle()
	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.Equal(500.0, agent.total["web"].Disk)
	})

	// Reserving more than the unreserved pool is rejected outright.
	s.m.ApplyAgentOperations("a1", []api.Operation{
		{Type: api.OpReserve, Reserve: &api.ReserveOperation{
			Role:      "web",
			Resources: scalar.Resources{CPU: 100},
		}},
	})
	s.idle()
	s.inLoop(func() {
		agent := s.m.slaves.registered["a1"]
		s.Equal(2.0, agent.total["web"].CPU)
	})
}

func (s *MasterTestSuite) TestKillTask() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})

	// Killing an unknown task closes the framework's books directly.
	s.m.KillTask(fwID, "no-such-task")
	s.idle()
	status := findStatus(fwConn.take(), "no-such-task")
	s.NotNil(status)
	s.Equal(api.TaskUnknown, status.State)

	s.m.KillTask(fwID, "t1")
	s.idle()
	var killed bool
	for _, msg := range agentConn.take() {
		if k, ok := msg.(*api.KillTaskMessage); ok && k.TaskID == "t1" {
			killed = true
		}
	}
	s.True(killed)

	// The agent bounces before acting on the kill and reports the task
	// as still running; the kill is re-issued.
	agentConn = newFakeConn("agent-stream-a1-bounce")
	s.m.ReregisterAgent(agentConn, testAgentInfo("a1"), nil,
		[]api.RunningTask{{
			Task:  api.TaskInfo{ID: "t1", FrameworkID: fwID, Resources: scalar.Resources{CPU: 1}},
			State: api.TaskRunning,
		}}, nil)
	s.idle()

	killed = false
	for _, msg := range agentConn.take() {
		if k, ok := msg.(*api.KillTaskMessage); ok && k.TaskID == "t1" {
			killed = true
		}
	}
	s.True(killed)

	s.m.StatusUpdate(api.TaskStatus{
		TaskID:      "t1",
		FrameworkID: fwID,
		AgentID:     "a1",
		State:       api.TaskKilled,
	})
	s.idle()
	s.inLoop(func() {
		s.Empty(s.m.tasks)
		agent := s.m.slaves.registered["a1"]
		s.Empty(agent.killedTasks)
	})
}

func (s *MasterTestSuite) TestReconcile() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	agentConn := s.registerAgent("a1")
	s.launchTask(fwID, fwConn, agentConn, "a1", "t1", scalar.Resources{CPU: 1})
	s.m.StatusUpdate(api.TaskStatus{
		TaskID: "t1", FrameworkID: fwID, AgentID: "a1", State: api.TaskRunning,
	})
	s.idle()
	fwConn.take()

	// Park an unreachable agent for the hint case.
	s.registerAgent("a2")
	s.m.MarkAgentUnreachable("a2", "gone")
	s.idle()

	s.m.ReconcileTasks(fwID, []api.TaskQuery{
		{TaskID: "t1"},
		{TaskID: "t2", AgentID: "a2"},
		{TaskID: "t3"},
	})
	s.idle()

	msgs := fwConn.take()
	known := findStatus(msgs, "t1")
	s.NotNil(known)
	s.Equal(api.TaskRunning, known.State)
	s.Equal(api.ReasonReconciliation, known.Reason)

	unreachable := findStatus(msgs, "t2")
	s.NotNil(unreachable)
	s.Equal(api.TaskUnreachable, unreachable.State)

	unknown := findStatus(msgs, "t3")
	s.NotNil(unknown)
	s.Equal(api.TaskUnknown, unknown.State)

	// Implicit reconciliation answers for every tracked task.
	s.m.ReconcileTasks(fwID, nil)
	s.idle()
	s.NotNil(findStatus(fwConn.take(), "t1"))
}

func (s *MasterTestSuite) TestRecoveryAndReadmission() {
	// Seed the registry as a previous master would have left it.
	snap := registry.NewSnapshot()
	snap.Admitted["a1"] = testAgentInfo("a1")
	snap.Admitted["a2"] = testAgentInfo("a2")
	snap.Unreachable = []registry.UnreachableRecord{{
		Info:  testAgentInfo("a3"),
		Since: time.Now().Add(-time.Hour),
	}}
	s.NoError(s.store.Persist(snap))

	m := s.newMaster(Config{})
	defer m.Stop()

	s.Equal(AgentStateUnknown, m.AgentStatus("a1"))
	s.Equal(AgentStateUnknown, m.AgentStatus("a2"))
	s.Equal(AgentStateUnreachable, m.AgentStatus("a3"))

	// a1 returns, reporting a framework the new master has never seen
	// together with one of its running tasks.
	fwInfo := api.FrameworkInfo{
		ID:              "fw-1",
		Name:            "batch",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	}
	conn := newFakeConn("agent-stream-a1")
	m.ReregisterAgent(conn, testAgentInfo("a1"),
		[]api.FrameworkInfo{fwInfo},
		[]api.RunningTask{{
			Task: api.TaskInfo{
				ID:          "t1",
				FrameworkID: "fw-1",
				Resources:   scalar.Resources{CPU: 2},
			},
			State: api.TaskRunning,
		}}, nil)
	s.idleOf(m)

	s.Equal(AgentStatePresent, m.AgentStatus("a1"))
	var reack bool
	for _, msg := range conn.take() {
		if _, ok := msg.(*api.AgentReregisteredMessage); ok {
			reack = true
		}
	}
	s.True(reack)
	s.inLoopOf(m, func() {
		agent := m.slaves.registered["a1"]
		s.Equal(2.0, agent.usedByFramework["fw-1"].CPU)
		s.Contains(m.frameworks.recovered, api.FrameworkID("fw-1"))
	})

	// The framework re-subscribes and finds its task attached.
	fwConn := newFakeConn("framework-stream-fw1")
	m.Subscribe(fwConn, fwInfo)
	s.idleOf(m)
	s.inLoopOf(m, func() {
		fw := m.frameworks.registered["fw-1"]
		s.NotNil(fw)
		s.Equal(2.0, fw.totalUsed.CPU)
		s.Len(fw.tasks, 1)
		s.NotContains(m.frameworks.recovered, api.FrameworkID("fw-1"))
	})

	// With a2 still unconfirmed the master cannot vouch for unknown
	// tasks and stays silent.
	fwConn.take()
	m.ReconcileTasks("fw-1", []api.TaskQuery{{TaskID: "ghost"}})
	s.idleOf(m)
	s.Empty(fwConn.take())
}

func (s *MasterTestSuite) TestRecoveredExecutorCharged() {
	snap := registry.NewSnapshot()
	snap.Admitted["a1"] = testAgentInfo("a1")
	s.NoError(s.store.Persist(snap))

	m := s.newMaster(Config{})
	defer m.Stop()

	fwInfo := api.FrameworkInfo{
		ID:              "fw-1",
		Name:            "batch",
		Principal:       "ops",
		Roles:           []string{"*"},
		FailoverTimeout: time.Hour,
	}
	executor := api.ExecutorInfo{
		ID:          "exec-1",
		FrameworkID: "fw-1",
		AgentID:     "a1",
		Resources:   scalar.Resources{CPU: 0.5, Mem: 256},
	}

	// a1 returns reporting an executor of a framework the new master
	// has never seen. Its share must be charged on the agent side even
	// though the framework has not re-subscribed.
	conn := newFakeConn("agent-stream-a1")
	m.ReregisterAgent(conn, testAgentInfo("a1"),
		[]api.FrameworkInfo{fwInfo}, nil, []api.ExecutorInfo{executor})
	s.idleOf(m)

	s.Equal(AgentStatePresent, m.AgentStatus("a1"))
	s.inLoopOf(m, func() {
		agent := m.slaves.registered["a1"]
		s.Equal(0.5, agent.usedByFramework["fw-1"].CPU)
		s.Equal(0.5, agent.usedTotal().CPU)
		s.Contains(agent.executors["fw-1"], api.ExecutorID("exec-1"))
	})

	// Re-subscription attaches the executor to the framework side.
	fwConn := newFakeConn("framework-stream-fw1")
	m.Subscribe(fwConn, fwInfo)
	s.idleOf(m)
	s.inLoopOf(m, func() {
		fw := m.frameworks.registered["fw-1"]
		s.NotNil(fw)
		s.Equal(0.5, fw.totalUsed.CPU)
		s.Equal(256.0, fw.totalUsed.Mem)
		s.Contains(fw.executors["a1"], api.ExecutorID("exec-1"))
	})
}

func (s *MasterTestSuite) TestAgentReregisterTimeout() {
	snap := registry.NewSnapshot()
	snap.Admitted["a1"] = testAgentInfo("a1")
	snap.Admitted["a2"] = testAgentInfo("a2")
	s.NoError(s.store.Persist(snap))

	m := s.newMaster(Config{AgentReregisterTimeout: 100 * time.Millisecond})
	defer m.Stop()

	// a1 beats the grace timer.
	conn := newFakeConn("agent-stream-a1")
	m.ReregisterAgent(conn, testAgentInfo("a1"), nil, nil, nil)
	s.idleOf(m)
	s.Equal(AgentStatePresent, m.AgentStatus("a1"))

	s.Eventually(func() bool {
		return m.AgentStatus("a2") == AgentStateUnreachable
	}, 2*time.Second, 10*time.Millisecond)

	// Confirmed agents survive the grace timer.
	s.Equal(AgentStatePresent, m.AgentStatus("a1"))

	snap2, err := s.store.Fetch()
	s.NoError(err)
	s.Contains(snap2.Admitted, api.AgentID("a1"))
	s.NotContains(snap2.Admitted, api.AgentID("a2"))
	s.Len(snap2.Unreachable, 1)
}

func (s *MasterTestSuite) TestReregisterTimeoutSurvivesFailedMarkReachable() {
	snap := registry.NewSnapshot()
	snap.Admitted["a1"] = testAgentInfo("a1")
	s.NoError(s.store.Persist(snap))

	m := s.newMaster(Config{AgentReregisterTimeout: 50 * time.Millisecond})
	defer m.Stop()

	// Hold the mark-reachable round-trip open long enough for the
	// grace timer to fire mid-flight, then fail it.
	gate := make(chan struct{})
	s.store.setGate(gate)
	s.store.setFail(errors.New("registry write refused"))

	conn := newFakeConn("agent-stream-a1")
	m.ReregisterAgent(conn, testAgentInfo("a1"), nil, nil, nil)
	time.Sleep(150 * time.Millisecond)

	s.store.setGate(nil)
	s.store.setFail(nil)
	close(gate)

	// The failed round-trip left the agent recovered; the re-armed
	// grace timer must still drive it to unreachable.
	s.Eventually(func() bool {
		return m.AgentStatus("a1") == AgentStateUnreachable
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *MasterTestSuite) TestPruneUnreachable() {
	snap := registry.NewSnapshot()
	snap.Unreachable = []registry.UnreachableRecord{
		{Info: testAgentInfo("stale"), Since: time.Now().Add(-48 * time.Hour)},
		{Info: testAgentInfo("fresh"), Since: time.Now()},
	}
	s.NoError(s.store.Persist(snap))

	m := s.newMaster(Config{UnreachableRetention: 24 * time.Hour})
	defer m.Stop()

	m.PruneUnreachable()
	s.idleOf(m)

	s.Equal(AgentStateAbsent, m.AgentStatus("stale"))
	s.Equal(AgentStateUnreachable, m.AgentStatus("fresh"))

	snap2, err := s.store.Fetch()
	s.NoError(err)
	s.Len(snap2.Unreachable, 1)
}

func (s *MasterTestSuite) TestQuotaAndWeights() {
	fwID, fwConn := s.subscribeNew("batch", "ops")
	s.registerAgent("a1")
	offer := s.offerTo(fwID, fwConn, "a1", scalar.Resources{CPU: 2})

	s.m.SetQuota("web", Quota{Guarantee: scalar.Resources{CPU: 4}})
	s.idle()

	// The batch framework is outside the web role; its offer makes way.
	s.inLoop(func() {
		s.NotContains(s.m.offers, offer.ID)
	})
	quotas := s.m.Quotas()
	s.Contains(quotas, "web")
	s.Equal(4.0, quotas["web"].Guarantee.CPU)

	s.m.SetWeight("web", 2.5)
	s.idle()
	weights := s.m.Weights()
	s.Equal(2.5, weights["web"])

	roles := s.m.Roles()
	var webSeen bool
	for _, r := range roles {
		if r.Name == "web" {
			webSeen = true
			s.Equal(2.5, r.Weight)
			s.NotNil(r.Quota)
		}
	}
	s.True(webSeen)

	s.m.RemoveQuota("web")
	s.idle()
	s.NotContains(s.m.Quotas(), "web")
}
