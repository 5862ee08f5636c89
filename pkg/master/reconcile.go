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

package master

import (
	"time"

	"github.com/uber/skymaster/pkg/master/api"
)

// ReconcileTasks answers a framework's view of its tasks. An empty
// query list asks about every task the master tracks for the framework.
// Questions the master cannot answer authoritatively (an agent still
// inside its re-registration window) get no answer at all rather than a
// wrong one; the framework retries.
func (m *Master) ReconcileTasks(frameworkID api.FrameworkID, queries []api.TaskQuery) {
	m.post(func() { m.handleReconcileTasks(frameworkID, queries) })
}

func (m *Master) handleReconcileTasks(
	frameworkID api.FrameworkID, queries []api.TaskQuery) {
	fw, ok := m.frameworks.registered[frameworkID]
	if !ok {
		m.metrics.ConflictsDropped.Inc(1)
		return
	}
	if m.throttled(fw.conn, fw.Info.Principal, "reconcile") {
		return
	}
	if !fw.Connected {
		return
	}

	if len(queries) == 0 {
		// Implicit reconciliation: everything the master tracks.
		for taskID := range fw.tasks {
			t := m.tasks[taskKey{frameworkID: frameworkID, taskID: taskID}]
			if t == nil {
				continue
			}
			m.sendReconcileStatus(fw, api.TaskStatus{
				TaskID:      taskID,
				FrameworkID: frameworkID,
				AgentID:     t.Info.AgentID,
				State:       t.State,
				Reason:      api.ReasonReconciliation,
				Timestamp:   time.Now(),
			})
		}
		return
	}

	for _, q := range queries {
		if t := m.tasks[taskKey{frameworkID: frameworkID, taskID: q.TaskID}]; t != nil {
			m.sendReconcileStatus(fw, api.TaskStatus{
				TaskID:      q.TaskID,
				FrameworkID: frameworkID,
				AgentID:     t.Info.AgentID,
				State:       t.State,
				Reason:      api.ReasonReconciliation,
				Timestamp:   time.Now(),
			})
			continue
		}

		// The task is not tracked. What that means depends on what the
		// master knows about the agent the framework believes runs it.
		if q.AgentID != "" {
			if _, ok := m.slaves.recovered[q.AgentID]; ok {
				continue
			}
			if _, ok := m.slaves.reregistering[q.AgentID]; ok {
				continue
			}
			if _, ok := m.slaves.unreachableIDs[q.AgentID]; ok {
				m.sendReconcileStatus(fw, api.TaskStatus{
					TaskID:      q.TaskID,
					FrameworkID: frameworkID,
					AgentID:     q.AgentID,
					State:       api.TaskUnreachable,
					Reason:      api.ReasonAgentUnreachable,
					Message:     "agent is unreachable",
					Timestamp:   time.Now(),
				})
				continue
			}
		}
		if m.recovering || len(m.slaves.recovered) > 0 {
			// Agents are still inside their re-registration window; the
			// task may yet be reported. Stay silent.
			continue
		}

		m.sendReconcileStatus(fw, api.TaskStatus{
			TaskID:      q.TaskID,
			FrameworkID: frameworkID,
			AgentID:     q.AgentID,
			State:       api.TaskUnknown,
			Reason:      api.ReasonReconciliation,
			Message:     "task is unknown to the master",
			Timestamp:   time.Now(),
		})
	}
}

func (m *Master) sendReconcileStatus(fw *Framework, status api.TaskStatus) {
	m.metrics.TasksReconciled.Inc(1)
	m.send(fw.conn, string(fw.Info.ID), &api.StatusUpdateMessage{Status: status})
}
