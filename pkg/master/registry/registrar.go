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
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

// Registrar serializes registry operations against a Store. Apply is
// synchronous; the master invokes it off the event loop and feeds the
// result back in as a completion event.
type Registrar interface {
	// Recover fetches the persisted snapshot and primes the cache. Must
	// be called once, before the first Apply.
	Recover() (*Snapshot, error)

	// Apply runs the operation against the current snapshot and, if it
	// mutated, persists the result before committing it to the cache.
	// Returns whether the registry was mutated. On error the cached
	// snapshot is unchanged.
	Apply(op Operation) (bool, error)
}

// NewRegistrar creates a Registrar backed by the given store.
func NewRegistrar(store Store, parent tally.Scope) Registrar {
	return &registrar{
		store:   store,
		metrics: newMetrics(parent.SubScope("registry")),
	}
}

type registrar struct {
	sync.Mutex

	store    Store
	snapshot *Snapshot
	metrics  *metrics
}

func (r *registrar) Recover() (*Snapshot, error) {
	r.Lock()
	defer r.Unlock()

	snapshot, err := r.store.Fetch()
	if err != nil {
		r.metrics.recoverFail.Inc(1)
		return nil, errors.Wrap(err, "failed to fetch registry snapshot")
	}
	r.snapshot = snapshot
	r.metrics.recoverSuccess.Inc(1)
	log.WithFields(log.Fields{
		"admitted":    len(snapshot.Admitted),
		"unreachable": len(snapshot.Unreachable),
	}).Info("Recovered registry snapshot.")
	return snapshot.Clone(), nil
}

func (r *registrar) Apply(op Operation) (bool, error) {
	r.Lock()
	defer r.Unlock()

	if r.snapshot == nil {
		return false, errors.New("registrar has not recovered")
	}

	sw := r.metrics.applyDuration.Start()
	defer sw.Stop()

	next := r.snapshot.Clone()
	mutated, err := op.Apply(next)
	if err != nil {
		r.metrics.applyFail.Inc(1)
		return false, errors.Wrapf(err, "registry operation %s failed", op.Name())
	}
	if mutated {
		if err := r.store.Persist(next); err != nil {
			r.metrics.persistFail.Inc(1)
			return false, errors.Wrapf(
				err, "failed to persist registry operation %s", op.Name())
		}
		r.snapshot = next
	}
	r.metrics.applySuccess.Inc(1)
	return mutated, nil
}
