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

// Package boltstore persists the registry snapshot in a local bbolt
// file. Each Persist replaces both buckets in a single transaction, so
// a snapshot is either fully applied or not at all.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/registry"
)

var (
	_admittedBucket    = []byte("admitted")
	_unreachableBucket = []byte("unreachable")
)

// Store is a registry.Store backed by a bbolt file.
type Store struct {
	db *bolt.DB
}

// New opens (creating if needed) the bolt file at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open registry store %s", path)
	}
	return &Store{db: db}, nil
}

// Fetch implements registry.Store.
func (s *Store) Fetch() (*registry.Snapshot, error) {
	snapshot := registry.NewSnapshot()
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(_admittedBucket); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var info api.AgentInfo
				if err := json.Unmarshal(v, &info); err != nil {
					return errors.Wrapf(err, "corrupt admitted record %q", k)
				}
				snapshot.Admitted[info.ID] = info
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(_unreachableBucket); b != nil {
			// Keys are big-endian sequence numbers; ForEach yields them
			// in insertion order.
			if err := b.ForEach(func(k, v []byte) error {
				var rec registry.UnreachableRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return errors.Wrapf(err, "corrupt unreachable record %q", k)
				}
				snapshot.Unreachable = append(snapshot.Unreachable, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Persist implements registry.Store.
func (s *Store) Persist(snapshot *registry.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{_admittedBucket, _unreachableBucket} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		admitted, err := tx.CreateBucket(_admittedBucket)
		if err != nil {
			return err
		}
		for id, info := range snapshot.Admitted {
			v, err := json.Marshal(info)
			if err != nil {
				return errors.Wrapf(err, "failed to encode agent %s", id)
			}
			if err := admitted.Put([]byte(id), v); err != nil {
				return err
			}
		}

		unreachable, err := tx.CreateBucket(_unreachableBucket)
		if err != nil {
			return err
		}
		for i, rec := range snapshot.Unreachable {
			v, err := json.Marshal(rec)
			if err != nil {
				return errors.Wrapf(
					err, "failed to encode unreachable agent %s", rec.Info.ID)
			}
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], uint64(i))
			if err := unreachable.Put(k[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements registry.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
