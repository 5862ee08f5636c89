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

package scalar

import (
	"fmt"
	"math"
)

// ResourceEpsilon is the minimum resource quantity considered non-zero.
// Keeps floating point noise from accumulating through repeated
// add/subtract cycles on the accounting aggregates.
const ResourceEpsilon = 1e-9

// Resources is a non-thread safe helper struct holding recognized
// resource quantities.
//
// Ports is a plain count of ports, not a range set. Framework and role
// aggregates therefore sum port counts across agents, which can over- or
// under-count when the same numeric range exists on multiple agents. The
// authoritative port ranges live only on the owning agent; the aggregate
// is approximate on purpose.
type Resources struct {
	CPU   float64
	Mem   float64
	Disk  float64
	GPU   float64
	Ports float64
}

// a safe less than or equal to comparator which takes epsilon into
// consideration.
func lessThanOrEqual(f1, f2 float64) bool {
	v := f1 - f2
	if math.Abs(v) < ResourceEpsilon {
		return true
	}
	return v < 0
}

// HasGPU is a special condition to ensure exclusive protection for GPU.
func (r Resources) HasGPU() bool {
	return math.Abs(r.GPU) > ResourceEpsilon
}

// Contains determines whether current Resources is large enough to
// contain the other one.
func (r Resources) Contains(other Resources) bool {
	return lessThanOrEqual(other.CPU, r.CPU) &&
		lessThanOrEqual(other.Mem, r.Mem) &&
		lessThanOrEqual(other.Disk, r.Disk) &&
		lessThanOrEqual(other.GPU, r.GPU) &&
		lessThanOrEqual(other.Ports, r.Ports)
}

// Add another scalar resources onto current one and return a new copy of
// the result.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:   r.CPU + other.CPU,
		Mem:   r.Mem + other.Mem,
		Disk:  r.Disk + other.Disk,
		GPU:   r.GPU + other.GPU,
		Ports: r.Ports + other.Ports,
	}
}

// Subtract another scalar resources from current one and return a new
// copy of the result.
func (r Resources) Subtract(other Resources) Resources {
	return Resources{
		CPU:   r.CPU - other.CPU,
		Mem:   r.Mem - other.Mem,
		Disk:  r.Disk - other.Disk,
		GPU:   r.GPU - other.GPU,
		Ports: r.Ports - other.Ports,
	}
}

// TrySubtract attempts to subtract another scalar resources from current
// one, but returns false if other has more resources.
func (r Resources) TrySubtract(other Resources) (Resources, bool) {
	if !r.Contains(other) {
		return Resources{}, false
	}
	return r.Subtract(other), true
}

// NonNegative returns whether every field is >= 0 within epsilon.
func (r Resources) NonNegative() bool {
	return r.CPU > -ResourceEpsilon &&
		r.Mem > -ResourceEpsilon &&
		r.Disk > -ResourceEpsilon &&
		r.GPU > -ResourceEpsilon &&
		r.Ports > -ResourceEpsilon
}

// NonEmptyFields returns resource names for fields which are not empty.
func (r Resources) NonEmptyFields() []string {
	var nonEmptyFields []string
	if math.Abs(r.CPU) > ResourceEpsilon {
		nonEmptyFields = append(nonEmptyFields, "cpus")
	}
	if math.Abs(r.Mem) > ResourceEpsilon {
		nonEmptyFields = append(nonEmptyFields, "mem")
	}
	if math.Abs(r.Disk) > ResourceEpsilon {
		nonEmptyFields = append(nonEmptyFields, "disk")
	}
	if math.Abs(r.GPU) > ResourceEpsilon {
		nonEmptyFields = append(nonEmptyFields, "gpus")
	}
	if math.Abs(r.Ports) > ResourceEpsilon {
		nonEmptyFields = append(nonEmptyFields, "ports")
	}
	return nonEmptyFields
}

// Empty returns whether all fields are empty now.
func (r Resources) Empty() bool {
	return len(r.NonEmptyFields()) == 0
}

// String returns a formatted string for scalar resources.
func (r Resources) String() string {
	return fmt.Sprintf("CPU:%.2f MEM:%.2f DISK:%.2f GPU:%.2f PORTS:%.0f",
		r.CPU, r.Mem, r.Disk, r.GPU, r.Ports)
}

// RoleResources tracks resource quantities per role. The "*" role holds
// unreserved resources; any other key is a reservation.
type RoleResources map[string]Resources

// Flatten sums the per-role quantities into a single vector.
func (rr RoleResources) Flatten() Resources {
	var total Resources
	for _, r := range rr {
		total = total.Add(r)
	}
	return total
}

// Clone returns a deep copy.
func (rr RoleResources) Clone() RoleResources {
	c := make(RoleResources, len(rr))
	for role, r := range rr {
		c[role] = r
	}
	return c
}

// NonNegative returns whether every role's quantities are >= 0.
func (rr RoleResources) NonNegative() bool {
	for _, r := range rr {
		if !r.NonNegative() {
			return false
		}
	}
	return true
}

// Add adds res to the given role, returning a new copy.
func (rr RoleResources) Add(role string, res Resources) RoleResources {
	c := rr.Clone()
	c[role] = c[role].Add(res)
	return c
}

// Subtract subtracts res from the given role, returning a new copy. The
// result may be negative; callers validate with NonNegative.
func (rr RoleResources) Subtract(role string, res Resources) RoleResources {
	c := rr.Clone()
	c[role] = c[role].Subtract(res)
	return c
}
