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

// Package api holds the in-memory representations of the messages and
// identifiers exchanged between the master, agents and frameworks. The
// wire encoding of these messages is owned by the transport layer and is
// not defined here.
package api

import (
	"time"

	"github.com/uber/skymaster/pkg/master/scalar"
)

// AgentID is the stable identity of an agent, assigned at admission.
type AgentID string

// FrameworkID is the stable identity of a framework, assigned at its
// first successful subscription.
type FrameworkID string

// TaskID is a framework-scoped task identifier.
type TaskID string

// ExecutorID is a framework-scoped executor identifier.
type ExecutorID string

// OfferID identifies an offer or inverse offer.
type OfferID string

// AgentInfo is the agent's self-description presented at registration.
type AgentInfo struct {
	ID       AgentID
	Hostname string
	// Address is the agent's network endpoint. At most one registration
	// may be in flight per address.
	Address      string
	Version      string
	Capabilities []string

	// Resources is the agent's declared resource pool keyed by role,
	// including applied reservations.
	Resources scalar.RoleResources

	// PortRanges are the agent's offerable port ranges. Only the count
	// of ports enters the scalar aggregates.
	PortRanges []PortRange
}

// PortRange is an inclusive [Begin, End] range of ports.
type PortRange struct {
	Begin uint32
	End   uint32
}

// Size returns the number of ports covered by the range.
func (p PortRange) Size() float64 {
	if p.End < p.Begin {
		return 0
	}
	return float64(p.End-p.Begin) + 1
}

// FrameworkInfo is the framework's self-description presented at
// subscription.
type FrameworkInfo struct {
	ID              FrameworkID
	Name            string
	Principal       string
	Roles           []string
	FailoverTimeout time.Duration
	Checkpoint      bool
}

// TaskState is the lifecycle state of a task.
type TaskState int32

// Task states. Terminal states are final; there is no transition out of
// a terminal state.
const (
	TaskStaging TaskState = iota
	TaskStarting
	TaskRunning
	TaskFinished
	TaskFailed
	TaskKilled
	TaskLost
	TaskUnreachable
	TaskDropped
	TaskError
	// TaskUnknown is only ever reported in reconciliation answers; a
	// task never holds this state in the master's tables.
	TaskUnknown
)

// IsTerminal returns whether the state is terminal.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost,
		TaskUnreachable, TaskDropped, TaskError:
		return true
	}
	return false
}

func (s TaskState) String() string {
	switch s {
	case TaskStaging:
		return "TASK_STAGING"
	case TaskStarting:
		return "TASK_STARTING"
	case TaskRunning:
		return "TASK_RUNNING"
	case TaskFinished:
		return "TASK_FINISHED"
	case TaskFailed:
		return "TASK_FAILED"
	case TaskKilled:
		return "TASK_KILLED"
	case TaskLost:
		return "TASK_LOST"
	case TaskUnreachable:
		return "TASK_UNREACHABLE"
	case TaskDropped:
		return "TASK_DROPPED"
	case TaskError:
		return "TASK_ERROR"
	case TaskUnknown:
		return "TASK_UNKNOWN"
	}
	return "TASK_INVALID"
}

// StatusReason qualifies a status update.
type StatusReason int32

// Status reasons attached by the master.
const (
	ReasonNone StatusReason = iota
	ReasonAgentRemoved
	ReasonAgentUnreachable
	ReasonAgentDisconnected
	ReasonFrameworkRemoved
	ReasonReconciliation
	ReasonTaskUnknown
	ReasonTaskDropped
)

// TaskInfo describes a task a framework wants launched.
type TaskInfo struct {
	ID          TaskID
	Name        string
	FrameworkID FrameworkID
	AgentID     AgentID
	ExecutorID  ExecutorID
	Resources   scalar.Resources
}

// RunningTask pairs a task with its last known state, as reported by a
// re-registering agent.
type RunningTask struct {
	Task  TaskInfo
	State TaskState
}

// ExecutorInfo describes an executor running on an agent.
type ExecutorInfo struct {
	ID          ExecutorID
	FrameworkID FrameworkID
	AgentID     AgentID
	Resources   scalar.Resources
}

// TaskStatus is a status update for a task, originated by an agent or
// synthesized by the master.
type TaskStatus struct {
	TaskID      TaskID
	FrameworkID FrameworkID
	AgentID     AgentID
	State       TaskState
	Reason      StatusReason
	Message     string
	Timestamp   time.Time
	UUID        string
}

// OperationType enumerates the operations a framework may attach to an
// offer acceptance, and an operator may apply directly to an agent.
type OperationType int32

// Offer operation types.
const (
	OpLaunch OperationType = iota
	OpReserve
	OpUnreserve
	OpCreateVolume
	OpDestroyVolume
)

func (t OperationType) String() string {
	switch t {
	case OpLaunch:
		return "LAUNCH"
	case OpReserve:
		return "RESERVE"
	case OpUnreserve:
		return "UNRESERVE"
	case OpCreateVolume:
		return "CREATE_VOLUME"
	case OpDestroyVolume:
		return "DESTROY_VOLUME"
	}
	return "INVALID"
}

// Operation is a single offer operation. Exactly the field matching Type
// is set.
type Operation struct {
	Type          OperationType
	Launch        *LaunchOperation
	Reserve       *ReserveOperation
	Unreserve     *UnreserveOperation
	CreateVolume  *CreateVolumeOperation
	DestroyVolume *DestroyVolumeOperation
}

// LaunchOperation launches one task.
type LaunchOperation struct {
	Task TaskInfo
}

// ReserveOperation moves unreserved resources to a role reservation.
type ReserveOperation struct {
	Role      string
	Resources scalar.Resources
}

// UnreserveOperation returns reserved resources to the unreserved pool.
type UnreserveOperation struct {
	Role      string
	Resources scalar.Resources
}

// CreateVolumeOperation turns reserved disk into a persistent volume.
type CreateVolumeOperation struct {
	Role     string
	VolumeID string
	Disk     float64
}

// DestroyVolumeOperation destroys a persistent volume, returning its
// disk to the role reservation.
type DestroyVolumeOperation struct {
	Role     string
	VolumeID string
}

// Filters carries a framework's refusal hint attached to a decline.
type Filters struct {
	RefuseDuration time.Duration
}

// Unavailability describes a window during which an agent's resources
// are requested back via inverse offers.
type Unavailability struct {
	Start    time.Time
	Duration time.Duration
}

// TaskQuery identifies a task in a reconciliation request, optionally
// with the agent the framework believes runs it.
type TaskQuery struct {
	TaskID  TaskID
	AgentID AgentID
}
