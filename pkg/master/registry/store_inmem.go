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

import "sync"

// InMemStore is a Store holding the snapshot in memory. Used in tests
// and single-node development setups; production deployments use the
// bolt-backed store.
type InMemStore struct {
	sync.Mutex
	snapshot *Snapshot
}

// NewInMemStore creates an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{snapshot: NewSnapshot()}
}

// Fetch implements Store.
func (s *InMemStore) Fetch() (*Snapshot, error) {
	s.Lock()
	defer s.Unlock()
	return s.snapshot.Clone(), nil
}

// Persist implements Store.
func (s *InMemStore) Persist(snapshot *Snapshot) error {
	s.Lock()
	defer s.Unlock()
	s.snapshot = snapshot.Clone()
	return nil
}

// Close implements Store.
func (s *InMemStore) Close() error { return nil }
