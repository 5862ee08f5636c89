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

	log "github.com/sirupsen/logrus"

	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// taskKey is the global task identity. Tasks live in a single arena
// keyed by it; Framework and Agent tables hold only ID references, so
// there is exactly one copy of every task to keep consistent.
type taskKey struct {
	frameworkID api.FrameworkID
	taskID      api.TaskID
}

// Task is a task tracked by the master. Owned by the event loop.
type Task struct {
	Info  api.TaskInfo
	State api.TaskState
	// LaunchedTime is when the master first tracked the task.
	LaunchedTime time.Time
}

func (t *Task) key() taskKey {
	return taskKey{frameworkID: t.Info.FrameworkID, taskID: t.Info.ID}
}

// CompletedTask is an archived task in a framework's completed ring.
type CompletedTask struct {
	Info         api.TaskInfo
	State        api.TaskState
	Reason       api.StatusReason
	FinishedTime time.Time
}

// taskRing is a fixed-capacity ring of completed tasks, oldest evicted
// first.
type taskRing struct {
	max   int
	tasks []CompletedTask
}

func newTaskRing(max int) *taskRing {
	return &taskRing{max: max}
}

func (r *taskRing) push(t CompletedTask) {
	if len(r.tasks) == r.max {
		copy(r.tasks, r.tasks[1:])
		r.tasks = r.tasks[:len(r.tasks)-1]
	}
	r.tasks = append(r.tasks, t)
}

// addTask inserts a task into the arena and both owners' tables, and
// charges its resources to both owners' aggregates while non-terminal.
// A duplicate insertion means the invariant-preserving logic is broken
// and aborts the process.
func (m *Master) addTask(
	fw *Framework,
	agent *Agent,
	info api.TaskInfo,
	state api.TaskState) *Task {
	t := &Task{
		Info:         info,
		State:        state,
		LaunchedTime: time.Now(),
	}
	key := t.key()
	if _, ok := m.tasks[key]; ok {
		log.WithFields(log.Fields{
			"framework_id": info.FrameworkID,
			"task_id":      info.ID,
		}).Fatal("Duplicate task insertion.")
	}
	m.tasks[key] = t

	fw.tasks[info.ID] = struct{}{}
	if agent.tasks[info.FrameworkID] == nil {
		agent.tasks[info.FrameworkID] = make(map[api.TaskID]struct{})
	}
	agent.tasks[info.FrameworkID][info.ID] = struct{}{}

	if !state.IsTerminal() {
		m.chargeResources(fw, agent, info.Resources)
	}
	m.metrics.TasksAdded.Inc(1)
	return t
}

// updateTask applies a status update. The transition into a terminal
// state releases the task's resources exactly once; a second terminal
// update for an already-terminal (and hence already-archived) task
// never reaches here because the task is gone from the arena.
func (m *Master) updateTask(t *Task, status api.TaskStatus) {
	if t.State.IsTerminal() {
		// Duplicate or out-of-order terminal update.
		m.metrics.DuplicateTerminalStates.Inc(1)
		return
	}
	t.State = status.State
	if !status.State.IsTerminal() {
		return
	}

	m.metrics.TasksTerminal.Inc(1)
	fw := m.frameworks.registered[t.Info.FrameworkID]
	agent := m.slaves.registered[t.Info.AgentID]
	if fw != nil && agent != nil {
		m.releaseResources(fw, agent, t.Info.Resources)
	}
	if agent != nil {
		m.alloc.RecoverResources(
			t.Info.FrameworkID, t.Info.AgentID, t.Info.Resources, nil)
	}
	m.removeTask(t, status.Reason)
}

// removeTask deletes a task from the arena and both owners' tables,
// releasing its resources if it is still non-terminal, and archives it
// into the framework's completed ring.
func (m *Master) removeTask(t *Task, reason api.StatusReason) {
	fw := m.frameworks.registered[t.Info.FrameworkID]
	agent := m.slaves.registered[t.Info.AgentID]

	if !t.State.IsTerminal() {
		if fw != nil && agent != nil {
			m.releaseResources(fw, agent, t.Info.Resources)
		} else if agent != nil {
			// Framework side not attached (recovered task whose
			// framework never re-subscribed); release the agent side
			// charged at tracking time.
			if used, ok := agent.usedByFramework[t.Info.FrameworkID].TrySubtract(t.Info.Resources); ok {
				if used.Empty() {
					delete(agent.usedByFramework, t.Info.FrameworkID)
				} else {
					agent.usedByFramework[t.Info.FrameworkID] = used
				}
			}
		}
		if agent != nil {
			m.alloc.RecoverResources(
				t.Info.FrameworkID, t.Info.AgentID, t.Info.Resources, nil)
		}
	}

	delete(m.tasks, t.key())
	if fw != nil {
		delete(fw.tasks, t.Info.ID)
		fw.completedTasks.push(CompletedTask{
			Info:         t.Info,
			State:        t.State,
			Reason:       reason,
			FinishedTime: time.Now(),
		})
	}
	if agent != nil {
		if byFw := agent.tasks[t.Info.FrameworkID]; byFw != nil {
			delete(byFw, t.Info.ID)
			if len(byFw) == 0 {
				delete(agent.tasks, t.Info.FrameworkID)
			}
		}
		if killed := agent.killedTasks[t.Info.FrameworkID]; killed != nil {
			delete(killed, t.Info.ID)
			if len(killed) == 0 {
				delete(agent.killedTasks, t.Info.FrameworkID)
			}
		}
	}
}

// terminateTask force-transitions a live task into a terminal state
// without a status update from the agent (agent removal, framework
// removal) and forwards the synthesized update to the framework.
func (m *Master) terminateTask(
	t *Task,
	state api.TaskState,
	reason api.StatusReason,
	message string) {
	if t.State.IsTerminal() {
		m.removeTask(t, reason)
		return
	}

	status := api.TaskStatus{
		TaskID:      t.Info.ID,
		FrameworkID: t.Info.FrameworkID,
		AgentID:     t.Info.AgentID,
		State:       state,
		Reason:      reason,
		Message:     message,
		Timestamp:   time.Now(),
	}
	t.State = state
	m.metrics.TasksTerminal.Inc(1)

	fw := m.frameworks.registered[t.Info.FrameworkID]
	agent := m.slaves.registered[t.Info.AgentID]
	if fw != nil && agent != nil {
		m.releaseResources(fw, agent, t.Info.Resources)
	} else if agent != nil {
		if used, ok := agent.usedByFramework[t.Info.FrameworkID].TrySubtract(t.Info.Resources); ok {
			if used.Empty() {
				delete(agent.usedByFramework, t.Info.FrameworkID)
			} else {
				agent.usedByFramework[t.Info.FrameworkID] = used
			}
		}
	}
	if agent != nil {
		m.alloc.RecoverResources(
			t.Info.FrameworkID, t.Info.AgentID, t.Info.Resources, nil)
	}
	m.removeTask(t, reason)

	if fw != nil && fw.Connected {
		m.send(fw.conn, string(t.Info.FrameworkID),
			&api.StatusUpdateMessage{Status: status})
	}
}

// chargeResources adds res to both owners' aggregates. The two sides
// are always updated together; they must never drift.
func (m *Master) chargeResources(fw *Framework, agent *Agent, res scalar.Resources) {
	agent.usedByFramework[fw.Info.ID] = agent.usedByFramework[fw.Info.ID].Add(res)
	fw.usedByAgent[agent.Info.ID] = fw.usedByAgent[agent.Info.ID].Add(res)
	fw.totalUsed = fw.totalUsed.Add(res)
}

// releaseResources subtracts res from both owners' aggregates. An
// underflow means resources were double-released and the accounting is
// corrupt; abort rather than keep running with bad books.
func (m *Master) releaseResources(fw *Framework, agent *Agent, res scalar.Resources) {
	agentUsed, ok := agent.usedByFramework[fw.Info.ID].TrySubtract(res)
	if !ok {
		log.WithFields(log.Fields{
			"agent_id":     agent.Info.ID,
			"framework_id": fw.Info.ID,
			"resources":    res.String(),
		}).Fatal("Resource accounting underflow on agent.")
	}
	if agentUsed.Empty() {
		delete(agent.usedByFramework, fw.Info.ID)
	} else {
		agent.usedByFramework[fw.Info.ID] = agentUsed
	}

	fwUsed, ok := fw.usedByAgent[agent.Info.ID].TrySubtract(res)
	if !ok {
		log.WithFields(log.Fields{
			"agent_id":     agent.Info.ID,
			"framework_id": fw.Info.ID,
			"resources":    res.String(),
		}).Fatal("Resource accounting underflow on framework.")
	}
	if fwUsed.Empty() {
		delete(fw.usedByAgent, agent.Info.ID)
	} else {
		fw.usedByAgent[agent.Info.ID] = fwUsed
	}
	fw.totalUsed = fw.totalUsed.Subtract(res)
}

// addExecutor tracks an executor and charges its resources, at most
// once per (framework, agent, executor) triple.
func (m *Master) addExecutor(fw *Framework, agent *Agent, info api.ExecutorInfo) {
	if agent.executors[fw.Info.ID] == nil {
		agent.executors[fw.Info.ID] = make(map[api.ExecutorID]api.ExecutorInfo)
	}
	if _, ok := agent.executors[fw.Info.ID][info.ID]; ok {
		return
	}
	agent.executors[fw.Info.ID][info.ID] = info

	if fw.executors[agent.Info.ID] == nil {
		fw.executors[agent.Info.ID] = make(map[api.ExecutorID]api.ExecutorInfo)
	}
	fw.executors[agent.Info.ID][info.ID] = info

	m.chargeResources(fw, agent, info.Resources)
}

// trackRecoveredExecutor tracks an executor whose framework has not
// re-subscribed yet. Only the agent side of the accounting is charged;
// the framework side attaches at re-subscription.
func (m *Master) trackRecoveredExecutor(agent *Agent, info api.ExecutorInfo) {
	if agent.executors[info.FrameworkID] == nil {
		agent.executors[info.FrameworkID] = make(map[api.ExecutorID]api.ExecutorInfo)
	}
	if _, ok := agent.executors[info.FrameworkID][info.ID]; ok {
		return
	}
	agent.executors[info.FrameworkID][info.ID] = info
	agent.usedByFramework[info.FrameworkID] =
		agent.usedByFramework[info.FrameworkID].Add(info.Resources)
}

// removeExecutor drops an executor and releases its resources.
func (m *Master) removeExecutor(fw *Framework, agent *Agent, id api.ExecutorID) {
	byFw := agent.executors[fw.Info.ID]
	info, ok := byFw[id]
	if !ok {
		return
	}
	delete(byFw, id)
	if len(byFw) == 0 {
		delete(agent.executors, fw.Info.ID)
	}
	if byAgent := fw.executors[agent.Info.ID]; byAgent != nil {
		delete(byAgent, id)
		if len(byAgent) == 0 {
			delete(fw.executors, agent.Info.ID)
		}
	}
	m.releaseResources(fw, agent, info.Resources)
}

// StatusUpdate applies a task status update reported by an agent.
func (m *Master) StatusUpdate(status api.TaskStatus) {
	m.post(func() {
		key := taskKey{frameworkID: status.FrameworkID, taskID: status.TaskID}
		t, ok := m.tasks[key]
		if !ok {
			m.metrics.ConflictsDropped.Inc(1)
			log.WithFields(log.Fields{
				"framework_id": status.FrameworkID,
				"task_id":      status.TaskID,
				"state":        status.State.String(),
			}).Info("Dropping status update for unknown task.")
			return
		}

		m.updateTask(t, status)

		if fw := m.frameworks.registered[status.FrameworkID]; fw != nil && fw.Connected {
			m.send(fw.conn, string(status.FrameworkID),
				&api.StatusUpdateMessage{Status: status})
		}
	})
}

// KillTask asks the agent running the task to kill it. The task stays
// tracked (and in the agent's killed set, to answer a re-registration
// racing the kill) until a terminal status update arrives.
func (m *Master) KillTask(frameworkID api.FrameworkID, taskID api.TaskID) {
	m.post(func() {
		fw := m.frameworks.registered[frameworkID]
		if fw == nil {
			m.metrics.ConflictsDropped.Inc(1)
			return
		}

		key := taskKey{frameworkID: frameworkID, taskID: taskID}
		t, ok := m.tasks[key]
		if !ok {
			// Tell the framework the task is gone so its own books close.
			m.send(fw.conn, string(frameworkID), &api.StatusUpdateMessage{
				Status: api.TaskStatus{
					TaskID:      taskID,
					FrameworkID: frameworkID,
					State:       api.TaskUnknown,
					Reason:      api.ReasonTaskUnknown,
					Timestamp:   time.Now(),
				},
			})
			return
		}

		agent := m.slaves.registered[t.Info.AgentID]
		if agent == nil {
			return
		}
		if agent.killedTasks[frameworkID] == nil {
			agent.killedTasks[frameworkID] = make(map[api.TaskID]struct{})
		}
		agent.killedTasks[frameworkID][taskID] = struct{}{}
		m.send(agent.conn, string(agent.Info.ID), &api.KillTaskMessage{
			FrameworkID: frameworkID,
			TaskID:      taskID,
		})
	})
}
