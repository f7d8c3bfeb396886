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

package agentctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/ident"
)

func TestContext_VariableChaining(t *testing.T) {
	root := NewRoot(&bounds.Bounds{}, Metadata{Creator: "test"})
	root.SetVariable("region", "eu-west")
	root.SetVariable("stage", "prod")

	child := root.NewChild(nil, Metadata{Creator: "test"})
	child.SetVariable("stage", "dev")

	v, ok := child.GetVariable("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west", v)

	v, ok = child.GetVariable("stage")
	require.True(t, ok)
	assert.Equal(t, "dev", v)

	// Child writes never reach the parent.
	v, ok = root.GetVariable("stage")
	require.True(t, ok)
	assert.Equal(t, "prod", v)

	_, ok = child.GetVariable("missing")
	assert.False(t, ok)
}

func TestContext_ChildBoundsNeverWiden(t *testing.T) {
	root := NewRoot(&bounds.Bounds{
		AllowedCommands: []string{"python3", "echo"},
		AllowedPaths:    []string{"/tmp/data"},
	}, Metadata{Creator: "test"})

	child := root.NewChild(&bounds.Bounds{
		AllowedCommands: []string{"python3", "cat"},
		AllowedPaths:    []string{"/tmp/data"},
	}, Metadata{Creator: "test"})

	assert.Equal(t, []string{"python3"}, child.Bounds().AllowedCommands)
	assert.True(t, child.Bounds().SubsetOf(root.Bounds()))

	grandchild := child.NewChild(&bounds.Bounds{
		AllowedCommands: []string{"python3"},
		AllowedPaths:    []string{"/tmp/data/inner"},
	}, Metadata{Creator: "test"})

	assert.True(t, grandchild.Bounds().SubsetOf(child.Bounds()))
	assert.Equal(t, []string{"/tmp/data/inner"}, grandchild.Bounds().AllowedPaths)
}

func TestContext_AgentIDWalksUp(t *testing.T) {
	root := NewRoot(&bounds.Bounds{}, Metadata{Creator: "test", AgentID: ident.AgentID("agent-root")})
	child := root.NewChild(nil, Metadata{Creator: "test"})
	sub := child.NewChild(nil, Metadata{Creator: "test", AgentID: ident.AgentID("agent-sub")})

	assert.Equal(t, ident.AgentID("agent-root"), child.AgentID())
	assert.Equal(t, ident.AgentID("agent-sub"), sub.AgentID())
}

func TestContext_AuditSequencesMonotonic(t *testing.T) {
	root := NewRoot(&bounds.Bounds{}, Metadata{Creator: "test"})

	first := root.Audit("step.started", map[string]any{"step": "s1"})
	second := root.Audit("step.completed", nil)

	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)

	log := root.AuditLog()
	require.Len(t, log, 2)
	assert.Equal(t, "step.started", log[0].Action)
	assert.Less(t, log[0].Seq, log[1].Seq)
}

func TestContext_VariablesFlattened(t *testing.T) {
	root := NewRoot(&bounds.Bounds{}, Metadata{Creator: "test"})
	root.SetVariable("a", "1")
	child := root.NewChild(nil, Metadata{Creator: "test"})
	child.SetVariable("b", "2")
	child.SetVariable("a", "override")

	flat := child.Variables()
	assert.Equal(t, map[string]string{"a": "override", "b": "2"}, flat)
}
