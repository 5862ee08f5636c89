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

// Package master implements the cluster state machine at the heart of
// the control plane: agent, framework, task and offer lifecycles, the
// resource accounting invariants tying them together, and the recovery
// protocol that rebuilds this state from the registry after a leader
// failover.
//
// All mutable tables are owned by a single event loop. External
// callers, allocator callbacks, timers and asynchronous completions all
// enter through the loop one at a time; registry, authorization and
// allocator round-trips run off the loop and their results re-enter as
// ordinary events which re-validate entity existence by ID before
// applying anything.
package master

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"
	"golang.org/x/time/rate"

	"github.com/uber/skymaster/pkg/allocator"
	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/common"
	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/registry"
)

const _eventQueueSize = 4096

var errMasterStopped = errors.New("master is stopped")

// RateLimitConfig is a per-principal token bucket.
type RateLimitConfig struct {
	// Rate is calls per second. Zero or negative disables the limit.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Config holds the master's tunables.
type Config struct {
	OfferTimeout                  time.Duration `yaml:"offer_timeout"`
	InverseOfferTimeout           time.Duration `yaml:"inverse_offer_timeout"`
	AgentReregisterTimeout        time.Duration `yaml:"agent_reregister_timeout"`
	UnreachableRetention          time.Duration `yaml:"unreachable_retention"`
	CompletedFrameworksMax        int           `yaml:"completed_frameworks_max"`
	CompletedTasksPerFrameworkMax int           `yaml:"completed_tasks_per_framework_max"`
	RemovedAgentsMax              int           `yaml:"removed_agents_max"`

	// RateLimits configures per-principal call throttling. The empty
	// key, if present, is the default for principals not listed.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

func (c *Config) normalize() {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = common.DefaultOfferTimeout
	}
	if c.InverseOfferTimeout <= 0 {
		c.InverseOfferTimeout = common.DefaultOfferTimeout
	}
	if c.AgentReregisterTimeout <= 0 {
		c.AgentReregisterTimeout = common.DefaultAgentReregisterTimeout
	}
	if c.UnreachableRetention <= 0 {
		c.UnreachableRetention = common.DefaultUnreachableRetention
	}
	if c.CompletedFrameworksMax <= 0 {
		c.CompletedFrameworksMax = common.DefaultCompletedFrameworksMax
	}
	if c.CompletedTasksPerFrameworkMax <= 0 {
		c.CompletedTasksPerFrameworkMax = common.DefaultCompletedTasksPerFrameworkMax
	}
	if c.RemovedAgentsMax <= 0 {
		c.RemovedAgentsMax = common.DefaultRemovedAgentsMax
	}
	for principal, rl := range c.RateLimits {
		// A zero-burst bucket would never admit a call.
		if rl.Rate > 0 && rl.Burst <= 0 {
			rl.Burst = 1
			c.RateLimits[principal] = rl
		}
	}
}

// Master is the cluster state machine. All fields below the event
// channel are owned by the loop goroutine.
type Master struct {
	cfg        Config
	metrics    *Metrics
	registrar  registry.Registrar
	alloc      allocator.Allocator
	authorizer auth.Authorizer

	events   chan func()
	stopChan chan struct{}
	doneChan chan struct{}
	started  atomic.Bool

	// inflight counts asynchronous sub-calls (registry, authorization)
	// whose completions have not yet run. AwaitIdle keys off it.
	inflight atomic.Int64

	slaves     *agentIndex
	frameworks *frameworkIndex

	offers             map[api.OfferID]*Offer
	offerTimers        map[api.OfferID]*time.Timer
	inverseOffers      map[api.OfferID]*InverseOffer
	inverseOfferTimers map[api.OfferID]*time.Timer

	tasks map[taskKey]*Task

	roles   map[string]*Role
	quotas  map[string]Quota
	weights map[string]float64

	limiters map[string]*rate.Limiter

	// gcInFlight dedups overlapping unreachable GC passes.
	gcInFlight map[api.AgentID]struct{}

	recoveryDone bool
	recovering   bool
}

// New creates a Master. The allocator's sink is attached here; Start
// must be called before any event is accepted.
func New(
	cfg Config,
	parent tally.Scope,
	registrar registry.Registrar,
	alloc allocator.Allocator,
	authorizer auth.Authorizer) *Master {
	cfg.normalize()

	m := &Master{
		cfg:        cfg,
		metrics:    NewMetrics(parent.SubScope("master")),
		registrar:  registrar,
		alloc:      alloc,
		authorizer: authorizer,

		events:   make(chan func(), _eventQueueSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),

		slaves:     newAgentIndex(cfg.RemovedAgentsMax),
		frameworks: newFrameworkIndex(cfg.CompletedFrameworksMax),

		offers:             make(map[api.OfferID]*Offer),
		offerTimers:        make(map[api.OfferID]*time.Timer),
		inverseOffers:      make(map[api.OfferID]*InverseOffer),
		inverseOfferTimers: make(map[api.OfferID]*time.Timer),

		tasks: make(map[taskKey]*Task),

		roles:   make(map[string]*Role),
		quotas:  make(map[string]Quota),
		weights: make(map[string]float64),

		limiters: make(map[string]*rate.Limiter),

		gcInFlight: make(map[api.AgentID]struct{}),
	}
	for principal, rl := range cfg.RateLimits {
		if rl.Rate > 0 {
			m.limiters[principal] = rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)
		}
	}
	alloc.Initialize(m)
	return m
}

// Start launches the event loop.
func (m *Master) Start() {
	if m.started.Swap(true) {
		return
	}
	go m.loop()
}

// Stop shuts the event loop down. Events posted after Stop are
// rejected.
func (m *Master) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.stopChan)
	<-m.doneChan
}

func (m *Master) loop() {
	defer close(m.doneChan)
	for {
		select {
		case <-m.stopChan:
			return
		case f := <-m.events:
			f()
		}
	}
}

// post enqueues an event for the loop. Returns false once the master is
// stopped.
func (m *Master) post(f func()) bool {
	select {
	case <-m.stopChan:
		return false
	case m.events <- f:
		return true
	}
}

// subcall runs an asynchronous sub-call off the loop and feeds its
// result back in as a completion event. The completion must re-validate
// by ID whatever it touches: the referenced entity may have been
// removed while the call was outstanding.
func (m *Master) subcall(run func() (bool, error), complete func(bool, error)) {
	m.inflight.Inc()
	go func() {
		ok, err := run()
		if !m.post(func() {
			defer m.inflight.Dec()
			complete(ok, err)
		}) {
			m.inflight.Dec()
		}
	}()
}

// barrier posts a marker event and waits for the loop to process it.
func (m *Master) barrier(ctx context.Context) error {
	done := make(chan struct{})
	if !m.post(func() { close(done) }) {
		return errMasterStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitIdle blocks until the event queue is drained and no asynchronous
// sub-calls are in flight. Used by orderly shutdown and by tests to
// reach a quiescent point.
func (m *Master) AwaitIdle(ctx context.Context) error {
	for {
		if err := m.barrier(ctx); err != nil {
			return err
		}
		if m.inflight.Load() == 0 && len(m.events) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// send delivers a message over a connection. A closed or broken
// connection is a warning, never an error: disconnects are lifecycle
// transitions handled elsewhere.
func (m *Master) send(conn api.Connection, to string, msg api.Message) {
	if conn == nil {
		log.WithField("recipient", to).
			Warn("Dropping message: no active connection.")
		return
	}
	if err := conn.Send(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"recipient": to,
			"stream_id": conn.StreamID(),
		}).Warn("Dropping message: connection closed.")
	}
}

// limiterFor returns the rate limiter for a principal, falling back to
// the default (empty key) limiter.
func (m *Master) limiterFor(principal string) *rate.Limiter {
	if l, ok := m.limiters[principal]; ok {
		return l
	}
	return m.limiters[""]
}

// throttled checks the principal's rate limit, reporting a drop to the
// caller if the limit is exceeded. The dropped call is never processed
// out of order.
func (m *Master) throttled(conn api.Connection, principal, call string) bool {
	l := m.limiterFor(principal)
	if l == nil || l.Allow() {
		return false
	}
	m.metrics.CallsRateLimited.Inc(1)
	log.WithFields(log.Fields{
		"principal": principal,
		"call":      call,
	}).Info("Dropping call: principal exceeded its rate limit.")
	m.send(conn, principal, &api.ExceededCapacityMessage{
		Principal: principal,
		Call:      call,
	})
	return true
}
