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

// Package allocator defines the contract between the master and the
// resource allocation engine. The master informs the allocator of agent
// and framework lifecycle events and resource recoveries; the allocator
// asynchronously emits offers and inverse offers back through the
// OfferSink. The fairness algorithm behind an implementation is its own
// concern.
package allocator

import (
	"time"

	"github.com/uber/skymaster/pkg/master/api"
	"github.com/uber/skymaster/pkg/master/scalar"
)

// OfferSink receives allocation decisions. The master implements it;
// calls re-enter the master's event loop and are serialized there.
type OfferSink interface {
	// ResourceOffers grants resources on the given agents to the
	// framework.
	ResourceOffers(frameworkID api.FrameworkID, resources map[api.AgentID]scalar.Resources)

	// InverseOffers asks the framework to release resources on the
	// given agents ahead of their unavailability.
	InverseOffers(frameworkID api.FrameworkID, unavailable map[api.AgentID]api.Unavailability)
}

// Allocator consumes cluster state changes and produces offers.
type Allocator interface {
	// Initialize attaches the sink. Called once before any other call.
	Initialize(sink OfferSink)

	AddAgent(id api.AgentID, info api.AgentInfo, total scalar.Resources, used scalar.Resources)
	RemoveAgent(id api.AgentID)
	ActivateAgent(id api.AgentID)
	DeactivateAgent(id api.AgentID)
	// UpdateAgent replaces the agent's total pool after a resource
	// operation (reserve, volume create, ...).
	UpdateAgent(id api.AgentID, total scalar.Resources)

	AddFramework(id api.FrameworkID, info api.FrameworkInfo, used map[api.AgentID]scalar.Resources)
	RemoveFramework(id api.FrameworkID)
	ActivateFramework(id api.FrameworkID)
	DeactivateFramework(id api.FrameworkID)

	// SuppressOffers stops offers to the framework until ReviveOffers.
	SuppressOffers(id api.FrameworkID)
	ReviveOffers(id api.FrameworkID)

	// RecoverResources returns resources from a dead task, an expired,
	// declined or rescinded offer. filters carries the framework's
	// refusal hint, if any.
	RecoverResources(
		frameworkID api.FrameworkID,
		agentID api.AgentID,
		resources scalar.Resources,
		filters *api.Filters)

	// UseResources records that offered resources became used by a
	// launched task.
	UseResources(
		frameworkID api.FrameworkID,
		agentID api.AgentID,
		resources scalar.Resources)
}

// Clock is the time source used by allocators for filter expiry.
type Clock interface {
	Now() time.Time
}
