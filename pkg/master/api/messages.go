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

package api

import (
	"github.com/uber/skymaster/pkg/master/scalar"
)

// Message is any message sent over a Connection.
type Message interface{}

// Connection is a one-way channel from the master to an agent or a
// framework. Send never blocks the caller; a send on a closed
// connection returns an error, which the master logs as a warning and
// otherwise ignores.
type Connection interface {
	// StreamID identifies the connection epoch. A framework failover
	// installs a connection with a new stream ID.
	StreamID() string
	Send(msg Message) error
	Close()
}

// Messages to agents.

// AgentRegisteredMessage acknowledges a successful registration.
type AgentRegisteredMessage struct {
	AgentID AgentID
}

// AgentReregisteredMessage acknowledges a successful re-registration.
type AgentReregisteredMessage struct {
	AgentID AgentID
}

// ShutdownAgentMessage tells an agent it is not (or no longer) admitted
// and must shut down and register anew.
type ShutdownAgentMessage struct {
	Message string
}

// RunTaskMessage tells an agent to launch a task.
type RunTaskMessage struct {
	FrameworkID FrameworkID
	Task        TaskInfo
}

// KillTaskMessage tells an agent to kill a task.
type KillTaskMessage struct {
	FrameworkID FrameworkID
	TaskID      TaskID
}

// ShutdownFrameworkMessage tells an agent to shut down everything
// belonging to a framework.
type ShutdownFrameworkMessage struct {
	FrameworkID FrameworkID
}

// Messages to frameworks.

// SubscribedMessage acknowledges a successful subscription.
type SubscribedMessage struct {
	FrameworkID FrameworkID
}

// ResourceOffersMessage carries one or more offers.
type ResourceOffersMessage struct {
	Offers []OfferInfo
}

// OfferInfo is the framework-visible view of an offer.
type OfferInfo struct {
	ID        OfferID
	AgentID   AgentID
	Hostname  string
	Resources scalar.Resources
}

// InverseOffersMessage carries one or more inverse offers.
type InverseOffersMessage struct {
	InverseOffers []InverseOfferInfo
}

// InverseOfferInfo is the framework-visible view of an inverse offer.
type InverseOfferInfo struct {
	ID             OfferID
	AgentID        AgentID
	Unavailability Unavailability
	Resources      scalar.Resources
}

// RescindOfferMessage withdraws an outstanding offer.
type RescindOfferMessage struct {
	OfferID OfferID
}

// RescindInverseOfferMessage withdraws an outstanding inverse offer.
type RescindInverseOfferMessage struct {
	OfferID OfferID
}

// StatusUpdateMessage forwards a task status update to its framework.
type StatusUpdateMessage struct {
	Status TaskStatus
}

// FrameworkErrorMessage reports an unrecoverable subscription error to
// a framework.
type FrameworkErrorMessage struct {
	Message string
}

// ExceededCapacityMessage tells a caller its request was dropped by the
// per-principal rate limiter rather than processed out of order.
type ExceededCapacityMessage struct {
	Principal string
	Call      string
}
