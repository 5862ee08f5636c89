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

// Package leader wraps ZooKeeper-backed leader election. The master
// only consumes the Nomination contract; which election backend sits
// behind it is an operational choice.
package leader

import (
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/leadership"
	"github.com/docker/libkv/store"
	"github.com/docker/libkv/store/zookeeper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

const (
	// ttl is the election ttl for docker/leadership.
	ttl = 5 * time.Second

	// znodeEphemeralTimeout is the timeout after which the ephemeral
	// election node disappears if heartbeats fail.
	znodeEphemeralTimeout = 5 * time.Second

	// zkConnErrRetry is how long to wait before restarting campaigning
	// for leadership on connection error.
	zkConnErrRetry = 30 * time.Second
)

// ElectionConfig is config related to leader election of this service.
type ElectionConfig struct {
	// ZKServers is a comma separated list of ZK servers to use for
	// leader election.
	ZKServers []string `yaml:"zk_servers"`

	// Root is the root path in ZK under which the election node lives.
	Root string `yaml:"root"`
}

// Nomination is implemented by the component standing for election.
// Callbacks are invoked from the election goroutine, never concurrently
// with each other.
type Nomination interface {
	// GetID returns the identifier advertised when this candidate is
	// elected (typically host:port).
	GetID() string

	// GainedLeadershipCallback is invoked when this candidate becomes
	// leader. A returned error resigns the leadership.
	GainedLeadershipCallback() error

	// LostLeadershipCallback is invoked when leadership is lost.
	LostLeadershipCallback() error

	// ShutDownCallback is invoked when the election is stopped.
	ShutDownCallback() error
}

// Candidate controls participation in the election.
type Candidate interface {
	Start() error
	Stop() error
	Resign()
	IsLeader() bool
}

type election struct {
	sync.Mutex

	metrics    electionMetrics
	running    bool
	role       string
	candidate  *leadership.Candidate
	nomination Nomination
	stopChan   chan struct{}
}

// NewCandidate creates a new election candidate for the given role.
func NewCandidate(
	cfg ElectionConfig,
	parent tally.Scope,
	role string,
	nomination Nomination) (Candidate, error) {
	if role == "" {
		return nil, errors.New("cannot campaign for an empty role")
	}

	client, err := zookeeper.New(
		cfg.ZKServers,
		&store.Config{ConnectionTimeout: znodeEphemeralTimeout},
	)
	if err != nil {
		return nil, err
	}

	leaderPath := leaderZkPath(cfg.Root, role)
	log.WithFields(log.Fields{
		"id":          nomination.GetID(),
		"role":        role,
		"leader_path": leaderPath,
	}).Debug("Creating new candidate")

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get hostname")
	}

	return &election{
		metrics: newElectionMetrics(parent.SubScope("election"), hostname),
		role:    role,
		candidate: leadership.NewCandidate(
			client,
			leaderPath,
			nomination.GetID(),
			ttl,
		),
		nomination: nomination,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins campaigning for leadership. Handles connection errors
// and retries until Stop is called.
func (el *election) Start() error {
	el.Lock()
	defer el.Unlock()

	if el.running {
		return errors.New("already running election")
	}
	el.running = true
	el.metrics.Start.Inc(1)
	el.metrics.Running.Update(1)

	log.WithField("role", el.role).Info("Joining election")
	go el.campaign()
	return nil
}

// campaign repeatedly calls waitForEvent, retrying on errors.
func (el *election) campaign() {
	for {
		select {
		case <-el.stopChan:
			log.Info("Stopped running election")
			return
		default:
			if err := el.waitForEvent(); err != nil {
				log.WithError(err).WithField("role", el.role).
					Error("Failure running election; retrying")
				time.Sleep(zkConnErrRetry)
			}
		}
	}
}

// waitForEvent blocks handling election state changes until the
// underlying channels close or error out.
func (el *election) waitForEvent() error {
	electionCh, errCh := el.candidate.RunForElection()

	for {
		select {
		case isElected, ok := <-electionCh:
			if !ok {
				return nil
			}
			if isElected {
				log.WithFields(log.Fields{
					"id":   el.nomination.GetID(),
					"role": el.role,
				}).Info("Leadership gained")
				el.metrics.GainedLeadership.Inc(1)
				el.metrics.IsLeader.Update(1)
				if err := el.nomination.GainedLeadershipCallback(); err != nil {
					log.WithError(err).WithField("id", el.nomination.GetID()).
						Error("GainedLeadershipCallback failed, resigning")
					el.candidate.Resign()
				}
			} else {
				log.WithFields(log.Fields{
					"id":   el.nomination.GetID(),
					"role": el.role,
				}).Info("Leadership lost")
				el.metrics.LostLeadership.Inc(1)
				el.metrics.IsLeader.Update(0)
				if err := el.nomination.LostLeadershipCallback(); err != nil {
					log.WithError(err).WithField("id", el.nomination.GetID()).
						Error("LostLeadershipCallback failed")
				}
			}
		case err := <-errCh:
			if err != nil {
				el.metrics.Error.Inc(1)
				return err
			}
			// Shutdown signal from docker/leadership.
			return nil
		}
	}
}

// Stop stops campaigning for leadership and calls the shutdown
// callback. Must not be called twice.
func (el *election) Stop() error {
	el.Lock()
	defer el.Unlock()

	if el.running {
		el.running = false
		close(el.stopChan)
		el.candidate.Stop()
		el.metrics.Stop.Inc(1)
		el.metrics.Running.Update(0)
	}
	return el.nomination.ShutDownCallback()
}

// IsLeader returns whether this candidate is the current leader.
func (el *election) IsLeader() bool {
	el.Lock()
	defer el.Unlock()

	// The candidate keeps reporting leader after a resignation, so gate
	// on whether we are actively campaigning.
	return el.running && el.candidate.IsLeader()
}

// Resign gives up leadership.
func (el *election) Resign() {
	el.metrics.Resigned.Inc(1)
	el.candidate.Resign()
}

// leaderZkPath returns the ZK path of the leader node for a role. There
// cannot be a leading / for libkv.
func leaderZkPath(rootPath string, role string) string {
	return strings.TrimPrefix(path.Join(rootPath, role, "leader"), "/")
}
