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
	"testing"

	"github.com/stretchr/testify/suite"
)

type ResourcesTestSuite struct {
	suite.Suite
}

func TestResourcesTestSuite(t *testing.T) {
	suite.Run(t, new(ResourcesTestSuite))
}

func (s *ResourcesTestSuite) TestAddSubtract() {
	a := Resources{CPU: 1.5, Mem: 1024, Disk: 100, Ports: 10}
	b := Resources{CPU: 0.5, Mem: 512, GPU: 1}

	sum := a.Add(b)
	s.Equal(2.0, sum.CPU)
	s.Equal(1536.0, sum.Mem)
	s.Equal(100.0, sum.Disk)
	s.Equal(1.0, sum.GPU)
	s.Equal(10.0, sum.Ports)

	diff := sum.Subtract(b)
	s.Equal(a, diff)

	// Add and Subtract return copies.
	s.Equal(1.5, a.CPU)
}

func (s *ResourcesTestSuite) TestContains() {
	big := Resources{CPU: 4, Mem: 2048, Disk: 100}
	small := Resources{CPU: 1, Mem: 512}

	s.True(big.Contains(small))
	s.False(small.Contains(big))
	s.True(big.Contains(big))

	// Epsilon noise does not break containment.
	noisy := big.Add(Resources{CPU: ResourceEpsilon / 2})
	s.True(big.Contains(noisy))
}

func (s *ResourcesTestSuite) TestTrySubtract() {
	a := Resources{CPU: 2, Mem: 1024}
	b := Resources{CPU: 1, Mem: 512}

	got, ok := a.TrySubtract(b)
	s.True(ok)
	s.Equal(Resources{CPU: 1, Mem: 512}, got)

	_, ok = b.TrySubtract(a)
	s.False(ok)
}

func (s *ResourcesTestSuite) TestNonNegativeAndEmpty() {
	s.True(Resources{}.NonNegative())
	s.True(Resources{}.Empty())
	s.False(Resources{CPU: -1}.NonNegative())
	s.False(Resources{Ports: 5}.Empty())

	// Accumulated float noise stays within epsilon.
	r := Resources{CPU: 0.3}
	for i := 0; i < 10; i++ {
		r = r.Add(Resources{CPU: 0.1}).Subtract(Resources{CPU: 0.1})
	}
	r = r.Subtract(Resources{CPU: 0.3})
	s.True(r.NonNegative())
	s.True(r.Empty())
}

func (s *ResourcesTestSuite) TestNonEmptyFields() {
	r := Resources{CPU: 1, Disk: 10}
	s.Equal([]string{"cpus", "disk"}, r.NonEmptyFields())
	s.True(Resources{GPU: 1}.HasGPU())
	s.False(Resources{}.HasGPU())
}

func (s *ResourcesTestSuite) TestRoleResources() {
	rr := RoleResources{
		"*":   {CPU: 4, Mem: 4096},
		"web": {CPU: 2, Mem: 1024},
	}

	flat := rr.Flatten()
	s.Equal(6.0, flat.CPU)
	s.Equal(5120.0, flat.Mem)

	added := rr.Add("web", Resources{CPU: 1})
	s.Equal(3.0, added["web"].CPU)
	// The receiver is untouched.
	s.Equal(2.0, rr["web"].CPU)

	sub := rr.Subtract("web", Resources{CPU: 3})
	s.False(sub.NonNegative())
	s.True(rr.NonNegative())

	clone := rr.Clone()
	clone["web"] = Resources{}
	s.Equal(2.0, rr["web"].CPU)
}
