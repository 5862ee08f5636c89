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

package registry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/uber-go/tally"

	"github.com/uber/skymaster/pkg/master/api"
)

type RegistrarTestSuite struct {
	suite.Suite

	store     *InMemStore
	registrar Registrar
}

func TestRegistrarTestSuite(t *testing.T) {
	suite.Run(t, new(RegistrarTestSuite))
}

func (s *RegistrarTestSuite) SetupTest() {
	s.store = NewInMemStore()
	s.registrar = NewRegistrar(s.store, tally.NoopScope)

	snap, err := s.registrar.Recover()
	s.NoError(err)
	s.Empty(snap.Admitted)
	s.Empty(snap.Unreachable)
}

func agentInfo(id string) api.AgentInfo {
	return api.AgentInfo{
		ID:       api.AgentID(id),
		Hostname: id + ".local",
		Address:  id + ":5051",
	}
}

func (s *RegistrarTestSuite) TestApplyBeforeRecoverFails() {
	r := NewRegistrar(NewInMemStore(), tally.NoopScope)
	_, err := r.Apply(Admit{Info: agentInfo("a1")})
	s.Error(err)
}

func (s *RegistrarTestSuite) TestAdmitPersistsAndRejectsDuplicate() {
	mutated, err := s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.NoError(err)
	s.True(mutated)

	persisted, err := s.store.Fetch()
	s.NoError(err)
	s.Contains(persisted.Admitted, api.AgentID("a1"))

	_, err = s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.Error(err)
}

func (s *RegistrarTestSuite) TestUnreachableRoundTrip() {
	_, err := s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.NoError(err)

	since := time.Now()
	mutated, err := s.registrar.Apply(MarkUnreachable{Info: agentInfo("a1"), Time: since})
	s.NoError(err)
	s.True(mutated)

	persisted, err := s.store.Fetch()
	s.NoError(err)
	s.NotContains(persisted.Admitted, api.AgentID("a1"))
	s.Len(persisted.Unreachable, 1)
	s.Equal(api.AgentID("a1"), persisted.Unreachable[0].Info.ID)

	// An unreachable agent cannot be admitted anew under the same ID.
	_, err = s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.Error(err)

	mutated, err = s.registrar.Apply(MarkReachable{Info: agentInfo("a1")})
	s.NoError(err)
	s.True(mutated)

	persisted, err = s.store.Fetch()
	s.NoError(err)
	s.Contains(persisted.Admitted, api.AgentID("a1"))
	s.Empty(persisted.Unreachable)

	// Marking an admitted agent reachable again is a clean no-op.
	mutated, err = s.registrar.Apply(MarkReachable{Info: agentInfo("a1")})
	s.NoError(err)
	s.False(mutated)
}

func (s *RegistrarTestSuite) TestUnreachableOrderPreserved() {
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := s.registrar.Apply(Admit{Info: agentInfo(id)})
		s.NoError(err)
	}
	base := time.Now()
	for i, id := range []string{"a2", "a1", "a3"} {
		_, err := s.registrar.Apply(MarkUnreachable{
			Info: agentInfo(id),
			Time: base.Add(time.Duration(i) * time.Second),
		})
		s.NoError(err)
	}

	persisted, err := s.store.Fetch()
	s.NoError(err)
	s.Len(persisted.Unreachable, 3)
	s.Equal(api.AgentID("a2"), persisted.Unreachable[0].Info.ID)
	s.Equal(api.AgentID("a1"), persisted.Unreachable[1].Info.ID)
	s.Equal(api.AgentID("a3"), persisted.Unreachable[2].Info.ID)
}

func (s *RegistrarTestSuite) TestPruneSkipsAbsentIDs() {
	_, err := s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.NoError(err)
	_, err = s.registrar.Apply(MarkUnreachable{Info: agentInfo("a1"), Time: time.Now()})
	s.NoError(err)

	mutated, err := s.registrar.Apply(Prune{IDs: map[api.AgentID]struct{}{
		"a1":      {},
		"missing": {},
	}})
	s.NoError(err)
	s.True(mutated)

	persisted, err := s.store.Fetch()
	s.NoError(err)
	s.Empty(persisted.Unreachable)

	// Pruning nothing mutates nothing.
	mutated, err = s.registrar.Apply(Prune{IDs: map[api.AgentID]struct{}{"a1": {}}})
	s.NoError(err)
	s.False(mutated)
}

func (s *RegistrarTestSuite) TestRemoveFromEitherSet() {
	_, err := s.registrar.Apply(Admit{Info: agentInfo("a1")})
	s.NoError(err)
	_, err = s.registrar.Apply(Admit{Info: agentInfo("a2")})
	s.NoError(err)
	_, err = s.registrar.Apply(MarkUnreachable{Info: agentInfo("a2"), Time: time.Now()})
	s.NoError(err)

	mutated, err := s.registrar.Apply(Remove{Info: agentInfo("a1")})
	s.NoError(err)
	s.True(mutated)
	mutated, err = s.registrar.Apply(Remove{Info: agentInfo("a2")})
	s.NoError(err)
	s.True(mutated)

	_, err = s.registrar.Apply(Remove{Info: agentInfo("a3")})
	s.Error(err)
}

// failingStore persists nothing.
type failingStore struct {
	*InMemStore
}

func (f *failingStore) Persist(*Snapshot) error {
	return errors.New("persist refused")
}

func (s *RegistrarTestSuite) TestFailedPersistLeavesCacheUntouched() {
	store := &failingStore{InMemStore: NewInMemStore()}
	r := NewRegistrar(store, tally.NoopScope)
	_, err := r.Recover()
	s.NoError(err)

	_, err = r.Apply(Admit{Info: agentInfo("a1")})
	s.Error(err)

	// The failed admit left no trace: the same admit succeeds once the
	// store recovers.
	_, err = r.Apply(MarkUnreachable{Info: agentInfo("a1"), Time: time.Now()})
	s.Error(err)
}
