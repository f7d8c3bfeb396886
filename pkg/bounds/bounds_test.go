// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bounds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntersect_NarrowsSets(t *testing.T) {
	parent := &Bounds{
		AllowedCommands: []string{"python3", "echo"},
		AllowedPaths:    []string{"/tmp/data"},
	}
	// Child tries to add "cat" and drop "echo"; the addition must be
	// refused because it would widen the parent.
	child := &Bounds{
		AllowedCommands: []string{"python3", "cat"},
		AllowedPaths:    []string{"/tmp/data/sub"},
	}

	merged := Intersect(parent, child)

	assert.Equal(t, []string{"python3"}, merged.AllowedCommands)
	assert.Equal(t, []string{"/tmp/data/sub"}, merged.AllowedPaths)
}

func TestIntersect_ClampsCeilings(t *testing.T) {
	parent := &Bounds{MaxMemoryBytes: 1 << 30, MaxCPUSeconds: 60}
	child := &Bounds{MaxMemoryBytes: 1 << 20}

	merged := Intersect(parent, child)

	assert.EqualValues(t, 1<<20, merged.MaxMemoryBytes)
	// Child declared no CPU ceiling; the parent's holds.
	assert.EqualValues(t, 60, merged.MaxCPUSeconds)
}

func TestIntersect_ChildPathInsideParentPrefix(t *testing.T) {
	parent := &Bounds{AllowedPaths: []string{"/workspace"}}
	child := &Bounds{AllowedPaths: []string{"/workspace/project", "/etc"}}

	merged := Intersect(parent, child)

	assert.Equal(t, []string{"/workspace/project"}, merged.AllowedPaths)
}

func TestIntersect_EnvVarsDenyByDefault(t *testing.T) {
	// An unset parent env grants nothing, exactly like the other sets.
	parent := &Bounds{}
	child := &Bounds{EnvVars: map[string]string{"API_KEY": "sneaky"}}

	merged := Intersect(parent, child)
	require.NotNil(t, merged.EnvVars)
	assert.Empty(t, merged.EnvVars)

	// A child may override values for keys the parent grants, nothing more.
	parent = &Bounds{EnvVars: map[string]string{"STAGE": "prod", "REGION": "eu"}}
	child = &Bounds{EnvVars: map[string]string{"STAGE": "dev", "API_KEY": "sneaky"}}

	merged = Intersect(parent, child)
	assert.Equal(t, map[string]string{"STAGE": "dev", "REGION": "eu"}, merged.EnvVars)
}

func TestClone_EnvVarsNeverNil(t *testing.T) {
	var b *Bounds
	assert.NotNil(t, b.Clone().EnvVars)
	assert.NotNil(t, (&Bounds{}).Clone().EnvVars)
}

func TestSubsetOf(t *testing.T) {
	outer := &Bounds{
		AllowedCommands: []string{"echo", "python3"},
		AllowedPaths:    []string{"/workspace"},
		MaxCPUSeconds:   60,
	}

	assert.True(t, (&Bounds{
		AllowedCommands: []string{"echo"},
		AllowedPaths:    []string{"/workspace/out"},
		MaxCPUSeconds:   30,
	}).SubsetOf(outer))

	assert.False(t, (&Bounds{AllowedCommands: []string{"rm"}}).SubsetOf(outer))
	assert.False(t, (&Bounds{AllowedPaths: []string{"/etc"}}).SubsetOf(outer))
	// No CPU ceiling on the inner bounds means unlimited: not a subset.
	assert.False(t, (&Bounds{MaxCPUSeconds: 0}).SubsetOf(outer))
	assert.False(t, (&Bounds{MaxCPUSeconds: 120}).SubsetOf(outer))
}

func TestEnforcer_Commands(t *testing.T) {
	e := NewEnforcer(&Bounds{
		AllowedCommands: []string{"echo"},
		AllowedPaths:    []string{"/workspace"},
	})

	assert.Nil(t, e.Check(Access{Command: `echo "hello"`}))

	v := e.Check(Access{Command: "rm -rf /"})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedCommand, v.Kind)
	assert.Equal(t, "rm", v.Detail)
}

func TestEnforcer_UnsafeShellConstructs(t *testing.T) {
	e := NewEnforcer(&Bounds{AllowedCommands: []string{"echo"}})

	for _, command := range []string{
		"echo hi; rm -rf /",
		"echo hi && curl evil",
		"echo $(cat /etc/passwd)",
		"echo `id`",
		"echo hi | sh",
	} {
		v := e.Check(Access{Command: command})
		require.NotNil(t, v, "command should be rejected: %s", command)
		assert.Equal(t, UnsafeShellConstruct, v.Kind)
	}
}

func TestEnforcer_RedirectTargetsArePathChecked(t *testing.T) {
	e := NewEnforcer(&Bounds{
		AllowedCommands: []string{"echo"},
		AllowedPaths:    []string{"/workspace"},
	})

	assert.Nil(t, e.Check(Access{Command: `echo "hello" > /workspace/a.txt`}))

	v := e.Check(Access{Command: `echo "pwned" > /etc/passwd`})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedPath, v.Kind)
}

func TestEnforcer_Paths(t *testing.T) {
	e := NewEnforcer(&Bounds{AllowedPaths: []string{"/workspace"}})

	assert.Nil(t, e.Check(Access{Paths: []string{"/workspace/deep/file.txt"}}))

	v := e.Check(Access{Paths: []string{"/workspace/../etc/passwd"}})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedPath, v.Kind)

	v = e.Check(Access{Paths: []string{"/workspacefake/file"}})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedPath, v.Kind)
}

func TestEnforcer_Endpoints(t *testing.T) {
	e := NewEnforcer(&Bounds{AllowedEndpoints: []string{"https://api.example.test"}})

	assert.Nil(t, e.Check(Access{Endpoint: "https://api.example.test/ping"}))
	assert.Nil(t, e.Check(Access{Endpoint: "https://API.example.test:443/other"}))

	v := e.Check(Access{Endpoint: "https://evil.example.test/x"})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedEndpoint, v.Kind)

	v = e.Check(Access{Endpoint: "http://api.example.test/ping"})
	require.NotNil(t, v)
	assert.Equal(t, UnauthorizedEndpoint, v.Kind)
}

func TestEnforcer_ResourceCeilings(t *testing.T) {
	e := NewEnforcer(&Bounds{MaxMemoryBytes: 1024, MaxCPUSeconds: 10})

	assert.Nil(t, e.Check(Access{MemoryBytes: 512, CPUSeconds: 5}))

	v := e.Check(Access{MemoryBytes: 2048})
	require.NotNil(t, v)
	assert.Equal(t, MemoryCap, v.Kind)

	v = e.Check(Access{CPUSeconds: 11})
	require.NotNil(t, v)
	assert.Equal(t, CPUCap, v.Kind)
}
