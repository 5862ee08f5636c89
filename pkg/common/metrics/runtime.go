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

package metrics

import (
	"runtime"
	"time"

	"github.com/uber-go/atomic"
	"github.com/uber-go/tally"
)

// Closer stops a background collector.
type Closer func()

// runtime.MemStats keeps at most 256 GC pause samples, see
// https://golang.org/pkg/runtime/#MemStats.
const _gcPauseBuffer = 256

type runtimeMetrics struct {
	goroutines tally.Gauge
	maxProcs   tally.Gauge
	allocated  tally.Gauge
	heap       tally.Gauge
	heapIdle   tally.Gauge
	heapInuse  tally.Gauge
	stack      tally.Gauge
	gcRuns     tally.Counter
	gcPause    tally.Timer
}

// RuntimeCollector periodically samples Go runtime statistics into a
// tally scope.
type RuntimeCollector struct {
	metrics  runtimeMetrics
	interval time.Duration
	lastGC   atomic.Uint32
	started  atomic.Bool
	quit     chan struct{}
}

// StartCollectingRuntimeMetrics builds a RuntimeCollector on the given
// scope, starts it when enabled, and returns its Closer.
func StartCollectingRuntimeMetrics(
	scope tally.Scope,
	enabled bool,
	collectInterval time.Duration,
) Closer {
	collector := NewRuntimeCollector(scope, collectInterval)
	if enabled {
		collector.Start()
	}
	return collector.close
}

// NewRuntimeCollector creates a stopped RuntimeCollector.
func NewRuntimeCollector(scope tally.Scope, interval time.Duration) *RuntimeCollector {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	c := &RuntimeCollector{
		metrics: runtimeMetrics{
			goroutines: scope.Gauge("num_goroutines"),
			maxProcs:   scope.Gauge("gomaxprocs"),
			allocated:  scope.Gauge("memory_allocated"),
			heap:       scope.Gauge("memory_heap"),
			heapIdle:   scope.Gauge("memory_heapidle"),
			heapInuse:  scope.Gauge("memory_heapinuse"),
			stack:      scope.Gauge("memory_stack"),
			gcRuns:     scope.Counter("memory_num_gc"),
			gcPause:    scope.Timer("memory_gc_pause_ms"),
		},
		interval: interval,
		quit:     make(chan struct{}),
	}
	c.lastGC.Store(stats.NumGC)
	return c
}

// IsRunning reports whether the sampling loop has been started.
func (c *RuntimeCollector) IsRunning() bool {
	return c.started.Load()
}

// Start launches the sampling loop. A second Start is a no-op.
func (c *RuntimeCollector) Start() {
	if !c.started.CAS(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sample()
			case <-c.quit:
				return
			}
		}
	}()
}

func (c *RuntimeCollector) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	c.metrics.goroutines.Update(float64(runtime.NumGoroutine()))
	c.metrics.maxProcs.Update(float64(runtime.GOMAXPROCS(0)))
	c.metrics.allocated.Update(float64(stats.Alloc))
	c.metrics.heap.Update(float64(stats.HeapAlloc))
	c.metrics.heapIdle.Update(float64(stats.HeapIdle))
	c.metrics.heapInuse.Update(float64(stats.HeapInuse))
	c.metrics.stack.Update(float64(stats.StackInuse))

	// NumGC only grows. The pause ring buffer holds the newest
	// _gcPauseBuffer cycles, so older cycles are counted but their
	// pause durations are gone.
	num := stats.NumGC
	last := c.lastGC.Swap(num)
	delta := num - last
	if delta == 0 {
		return
	}
	c.metrics.gcRuns.Inc(int64(delta))
	if delta > _gcPauseBuffer {
		last = num - _gcPauseBuffer
	}
	for i := last; i != num; i++ {
		c.metrics.gcPause.Record(time.Duration(stats.PauseNs[i%_gcPauseBuffer]))
	}
}

// close stops sampling. The collector cannot be restarted.
func (c *RuntimeCollector) close() {
	close(c.quit)
}
