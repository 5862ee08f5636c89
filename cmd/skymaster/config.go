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

package main

import (
	"time"

	"github.com/uber/skymaster/pkg/auth"
	"github.com/uber/skymaster/pkg/common/leader"
	"github.com/uber/skymaster/pkg/common/metrics"
	"github.com/uber/skymaster/pkg/master"
)

// Config holds the full master service configuration.
type Config struct {
	Master   master.Config         `yaml:"master"`
	Election leader.ElectionConfig `yaml:"election"`
	Metrics  metrics.Config        `yaml:"metrics"`
	Registry RegistryConfig        `yaml:"registry"`
	Auth     auth.Config           `yaml:"auth"`

	// HTTPPort serves the metrics and health endpoints.
	HTTPPort int `yaml:"http_port" validate:"min=1"`

	// AllocationInterval paces the allocator's offer passes.
	AllocationInterval time.Duration `yaml:"allocation_interval"`

	// UnreachableGCInterval paces the prune of unreachable agents past
	// retention.
	UnreachableGCInterval time.Duration `yaml:"unreachable_gc_interval"`

	// RuntimeMetrics enables Go runtime metric collection.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// RegistryConfig locates the persistent agent registry.
type RegistryConfig struct {
	// Path is the bolt database file backing the registry.
	Path string `yaml:"path" validate:"nonzero"`
}
