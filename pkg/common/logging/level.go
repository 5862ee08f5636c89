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

package logging

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
)

// LevelOverwrite is the endpoint serving temporary log level overrides.
const LevelOverwrite = "/logging-level"

const _usage = "usage: GET `/logging-level?level=[info|debug]&duration=<duration>`"

var _baseLevel atomic.Int32

// LevelOverwriteHandler builds a handler that switches the process log
// level for a bounded duration and then restores the initial one.
// Overlapping requests each arm their own restore, so the earliest
// deadline wins.
func LevelOverwriteHandler(initial log.Level) func(http.ResponseWriter, *http.Request) {
	_baseLevel.Store(int32(initial))
	log.SetLevel(initial)
	return func(w http.ResponseWriter, r *http.Request) {
		level, duration, err := parseOverwrite(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, err.Error())
			fmt.Fprintln(w, _usage)
			return
		}

		log.WithFields(log.Fields{
			"level":    level,
			"duration": duration,
		}).Info("Overwriting log level.")
		log.SetLevel(level)

		time.AfterFunc(duration, func() {
			restored := log.Level(_baseLevel.Load())
			log.WithField("level", restored).Info("Restoring log level.")
			log.SetLevel(restored)
		})

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Level changed to %s for the next %v.\n", level, duration)
	}
}

func parseOverwrite(r *http.Request) (log.Level, time.Duration, error) {
	values := r.URL.Query()
	rawLevel := values.Get("level")
	rawDuration := values.Get("duration")
	if rawLevel == "" || rawDuration == "" {
		return 0, 0, errors.New("params level and duration are required")
	}

	level, err := log.ParseLevel(rawLevel)
	if err != nil {
		return 0, 0, errors.Wrap(err, "invalid level")
	}
	if level != log.InfoLevel && level != log.DebugLevel {
		return 0, 0, errors.Errorf("level %s is not info or debug", rawLevel)
	}

	duration, err := time.ParseDuration(rawDuration)
	if err != nil {
		return 0, 0, errors.Wrap(err, "invalid duration")
	}
	return level, duration, nil
}
