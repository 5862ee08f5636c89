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

// Package background runs named periodic jobs: the master's offer
// expiry sweep, the unreachable agent GC pass, allocation passes and
// metrics refresh.
package background

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
)

var (
	errEmptyName     = errors.New("background work name cannot be empty")
	errDuplicateName = errors.New("duplicate background work name")
)

// Work is a piece of background work which needs to happen
// periodically. Func receives the runner's running flag so long passes
// can bail out early on shutdown.
type Work struct {
	Name         string
	Func         func(*atomic.Bool)
	Period       time.Duration
	InitialDelay time.Duration
}

// Manager starts and stops a set of registered background works
// together.
type Manager interface {
	Start()
	Stop()
	RegisterWorks(works ...Work) error
}

// NewManager creates an empty Manager.
func NewManager() Manager {
	return &manager{
		runners: make(map[string]*runner),
	}
}

type manager struct {
	runners map[string]*runner
}

func (m *manager) RegisterWorks(works ...Work) error {
	for _, work := range works {
		if work.Name == "" {
			return errEmptyName
		}
		if _, ok := m.runners[work.Name]; ok {
			return errDuplicateName
		}
		m.runners[work.Name] = &runner{work: work}
	}
	return nil
}

func (m *manager) Start() {
	for _, r := range m.runners {
		r.start()
	}
}

func (m *manager) Stop() {
	for _, r := range m.runners {
		r.stop()
	}
}

type runner struct {
	sync.Mutex

	work     Work
	running  atomic.Bool
	stopChan chan struct{}
}

func (r *runner) start() {
	r.Lock()
	defer r.Unlock()

	if r.running.Swap(true) {
		log.WithField("name", r.work.Name).
			Info("Background work is already running, no-op.")
		return
	}
	log.WithFields(log.Fields{
		"name":        r.work.Name,
		"period_secs": r.work.Period.Seconds(),
	}).Info("Starting background work.")

	stopChan := make(chan struct{})
	r.stopChan = stopChan

	go func() {
		defer r.running.Store(false)

		if r.work.InitialDelay > 0 {
			initialTimer := time.NewTimer(r.work.InitialDelay)
			select {
			case <-stopChan:
				initialTimer.Stop()
				return
			case <-initialTimer.C:
			}
		}

		ticker := time.NewTicker(r.work.Period)
		defer ticker.Stop()
		for {
			r.work.Func(&r.running)

			select {
			case <-stopChan:
				log.WithField("name", r.work.Name).
					Info("Background work stopped.")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *runner) stop() {
	r.Lock()
	defer r.Unlock()

	if !r.running.Load() {
		return
	}
	close(r.stopChan)

	// Wait for the runner goroutine to observe the stop.
	for r.running.Load() {
		time.Sleep(time.Millisecond)
	}
}
