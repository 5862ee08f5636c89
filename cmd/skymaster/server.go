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

package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/uber/skymaster/pkg/common/background"
	"github.com/uber/skymaster/pkg/master"
)

// server ties the master to the leader election: the background works
// run only while this instance leads.
type server struct {
	id      string
	m       *master.Master
	backMgr background.Manager
}

func newServer(hostname string, port int, m *master.Master, backMgr background.Manager) *server {
	return &server{
		id:      fmt.Sprintf("%s:%d", hostname, port),
		m:       m,
		backMgr: backMgr,
	}
}

// GetID implements leader.Nomination.
func (s *server) GetID() string {
	return s.id
}

// GainedLeadershipCallback implements leader.Nomination.
func (s *server) GainedLeadershipCallback() error {
	log.WithField("id", s.id).Info("Gained leadership.")
	s.m.Elected()
	s.backMgr.Start()
	return nil
}

// LostLeadershipCallback implements leader.Nomination.
func (s *server) LostLeadershipCallback() error {
	// A master that lost leadership must not keep mutating cluster
	// state; the simplest safe reaction is to exit and restart into a
	// follower.
	log.WithField("id", s.id).Info("Lost leadership; shutting down.")
	s.backMgr.Stop()
	s.m.Stop()
	return nil
}

// ShutDownCallback implements leader.Nomination.
func (s *server) ShutDownCallback() error {
	log.WithField("id", s.id).Info("Quitting election.")
	s.backMgr.Stop()
	return nil
}
