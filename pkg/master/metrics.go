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

import "github.com/uber-go/tally"

// Metrics tracks the master's counters and gauges.
type Metrics struct {
	AgentsRegistered       tally.Counter
	AgentsReregistered     tally.Counter
	AgentsDisconnected     tally.Counter
	AgentsUnreachable      tally.Counter
	AgentsRemoved          tally.Counter
	AgentRegistrationRaces tally.Counter
	AgentShutdowns         tally.Counter

	FrameworksSubscribed      tally.Counter
	FrameworkFailovers        tally.Counter
	FrameworksDisconnected    tally.Counter
	FrameworkFailoverTimeouts tally.Counter
	FrameworksRemoved         tally.Counter
	SubscriptionsDenied       tally.Counter
	SubscriptionsSuperseded   tally.Counter

	OffersCreated   tally.Counter
	OffersAccepted  tally.Counter
	OffersDeclined  tally.Counter
	OffersRescinded tally.Counter
	OffersExpired   tally.Counter

	InverseOffersCreated   tally.Counter
	InverseOffersAccepted  tally.Counter
	InverseOffersDeclined  tally.Counter
	InverseOffersRescinded tally.Counter
	InverseOffersExpired   tally.Counter

	TasksAdded              tally.Counter
	TasksTerminal           tally.Counter
	DuplicateTerminalStates tally.Counter
	TasksDroppedInvalid     tally.Counter
	TasksReconciled         tally.Counter

	OperationsApplied tally.Counter
	OperationsDropped tally.Counter

	RecoveredAgents        tally.Counter
	RecoveryTimeouts       tally.Counter
	UnreachablePruned      tally.Counter
	RecoveryFailed         tally.Counter
	RegistryOpFailures     tally.Counter
	AuthorizationErrors    tally.Counter
	AuthorizationDenials   tally.Counter
	CallsRateLimited       tally.Counter
	ConflictsDropped       tally.Counter
	ValidationsDropped     tally.Counter
	ActiveAgentsGauge      tally.Gauge
	ActiveFrameworksGauge  tally.Gauge
	OutstandingOffersGauge tally.Gauge
	UnreachableGauge       tally.Gauge
}

// NewMetrics creates the master Metrics rooted at scope.
func NewMetrics(scope tally.Scope) *Metrics {
	agents := scope.SubScope("agents")
	frameworks := scope.SubScope("frameworks")
	offers := scope.SubScope("offers")
	inverse := scope.SubScope("inverse_offers")
	tasks := scope.SubScope("tasks")
	recovery := scope.SubScope("recovery")
	calls := scope.SubScope("calls")

	return &Metrics{
		AgentsRegistered:       agents.Counter("registered"),
		AgentsReregistered:     agents.Counter("reregistered"),
		AgentsDisconnected:     agents.Counter("disconnected"),
		AgentsUnreachable:      agents.Counter("unreachable"),
		AgentsRemoved:          agents.Counter("removed"),
		AgentRegistrationRaces: agents.Counter("registration_races"),
		AgentShutdowns:         agents.Counter("shutdowns"),

		FrameworksSubscribed:      frameworks.Counter("subscribed"),
		FrameworkFailovers:        frameworks.Counter("failovers"),
		FrameworksDisconnected:    frameworks.Counter("disconnected"),
		FrameworkFailoverTimeouts: frameworks.Counter("failover_timeouts"),
		FrameworksRemoved:         frameworks.Counter("removed"),
		SubscriptionsDenied:       frameworks.Counter("subscriptions_denied"),
		SubscriptionsSuperseded:   frameworks.Counter("subscriptions_superseded"),

		OffersCreated:   offers.Counter("created"),
		OffersAccepted:  offers.Counter("accepted"),
		OffersDeclined:  offers.Counter("declined"),
		OffersRescinded: offers.Counter("rescinded"),
		OffersExpired:   offers.Counter("expired"),

		InverseOffersCreated:   inverse.Counter("created"),
		InverseOffersAccepted:  inverse.Counter("accepted"),
		InverseOffersDeclined:  inverse.Counter("declined"),
		InverseOffersRescinded: inverse.Counter("rescinded"),
		InverseOffersExpired:   inverse.Counter("expired"),

		TasksAdded:              tasks.Counter("added"),
		TasksTerminal:           tasks.Counter("terminal"),
		DuplicateTerminalStates: tasks.Counter("duplicate_terminal"),
		TasksDroppedInvalid:     tasks.Counter("dropped_invalid"),
		TasksReconciled:         tasks.Counter("reconciled"),

		OperationsApplied: scope.Counter("operations_applied"),
		OperationsDropped: scope.Counter("operations_dropped"),

		RecoveredAgents:      recovery.Counter("agents"),
		RecoveryTimeouts:     recovery.Counter("timeouts"),
		UnreachablePruned:    recovery.Counter("unreachable_pruned"),
		RecoveryFailed:       recovery.Counter("failed"),
		RegistryOpFailures:   scope.Counter("registry_op_failures"),
		AuthorizationErrors:  calls.Counter("authorization_errors"),
		AuthorizationDenials: calls.Counter("authorization_denials"),
		CallsRateLimited:     calls.Counter("rate_limited"),
		ConflictsDropped:     calls.Counter("conflicts_dropped"),
		ValidationsDropped:   calls.Counter("validations_dropped"),

		ActiveAgentsGauge:      agents.Gauge("active"),
		ActiveFrameworksGauge:  frameworks.Gauge("active"),
		OutstandingOffersGauge: offers.Gauge("outstanding"),
		UnreachableGauge:       agents.Gauge("unreachable_records"),
	}
}
