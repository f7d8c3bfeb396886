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

package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/config"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/promise"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

func memoryRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), &config.Config{
		Store: config.StoreConfig{Backend: "memory"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestRuntime_EndToEnd(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	in := intent.New("write output", []*intent.Step{{
		ID:     "write",
		Name:   "write",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo done > " + target},
		Verification: &verifier.Requirement{
			Type:      verifier.TypeFileSystem,
			Mandatory: true,
			Expected:  map[string]any{"exists": []string{target}},
		},
	}})
	in.Bounds = &bounds.Bounds{AllowedCommands: []string{"echo"}, AllowedPaths: []string{dir}}

	result, err := rt.Run(ctx, in, ident.AgentID("operator"))
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Len(t, result.ProofIDs, 1)

	p, err := rt.Journal.Get(ctx, result.ProofIDs[0])
	require.NoError(t, err)
	assert.True(t, proof.Verify(p, rt.Provider).Valid)
}

func TestRuntime_DelegationWithNarrowing(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "delegated.txt")

	parentID := ident.NewIntentID()

	// Parent allows python3+echo; the override tries to add cat and drop
	// python3. The materialized sub-bounds keep only what both grant.
	in := &intent.Intent{
		ID:   parentID,
		Goal: "delegate the write",
		Steps: []*intent.Step{{
			ID:   "d1",
			Name: "delegate",
			Action: intent.Action{
				Type: intent.ActionDelegate,
				Delegation: &intent.DelegationSpec{
					Agent: ident.AgentID("sub-agent"),
					Goal:  "write the file",
					Steps: []*intent.Step{{
						ID:     "inner",
						Name:   "inner write",
						Action: intent.Action{Type: intent.ActionCommand, Command: "echo sub > " + target},
						Verification: &verifier.Requirement{
							Type:      verifier.TypeFileSystem,
							Mandatory: true,
							Expected:  map[string]any{"exists": []string{target}},
						},
					}},
					BoundsOverride: &bounds.Bounds{
						AllowedCommands: []string{"echo", "cat"},
						AllowedPaths:    []string{dir},
					},
					TimeoutMS: 30_000,
				},
			},
		}},
		Bounds: &bounds.Bounds{
			AllowedCommands: []string{"python3", "echo"},
			AllowedPaths:    []string{dir},
		},
	}

	// Observe promise negotiation and sub-execution events correlated to
	// the parent.
	sub := rt.Bus.Subscribe(events.SubscribeOptions{
		Topics: []events.Topic{
			events.TopicPromiseProposed,
			events.TopicPromiseAccepted,
			events.TopicPromiseFulfilled,
		},
	})

	result, err := rt.Run(ctx, in, ident.AgentID("parent-agent"))
	require.NoError(t, err)
	require.True(t, result.Success, "delegate step: %+v", result.StepResults["d1"])

	// The delegated step completed with the sub-execution's proof.
	assert.NotEmpty(t, result.StepResults["d1"].ProofID)

	// The promise went proposed → accepted → fulfilled.
	var seen []events.Topic
	deadline := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-sub.Events():
			seen = append(seen, ev.Topic)
		case <-deadline:
			t.Fatalf("promise lifecycle incomplete, saw %v", seen)
		}
	}
	assert.Equal(t, []events.Topic{
		events.TopicPromiseProposed,
		events.TopicPromiseAccepted,
		events.TopicPromiseFulfilled,
	}, seen)

	// The sub-agent's verified work raised its trust above the initial
	// score (fulfillment plus a verified task success).
	rep, err := rt.Trust.Get(ctx, ident.AgentID("sub-agent"))
	require.NoError(t, err)
	assert.Greater(t, rep.Score, 0.5)
	assert.Equal(t, 1, rep.PromisesKept)

	// Narrowing held: the delegated promise's constraints exclude the
	// refused "cat" addition.
	promises, err := rt.Promises.ListByAgent(ctx, ident.AgentID("sub-agent"))
	require.NoError(t, err)
	require.Len(t, promises, 1)
	assert.Equal(t, promise.StatusFulfilled, promises[0].Status)
	assert.Equal(t, []string{"echo"}, promises[0].Body.Constraints.AllowedCommands)
}

func TestRuntime_DefaultBoundsFromConfig(t *testing.T) {
	rt, err := New(context.Background(), &config.Config{
		Store:  config.StoreConfig{Backend: "memory"},
		Bounds: &bounds.Bounds{AllowedCommands: []string{"echo"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	in := intent.New("inherit bounds", []*intent.Step{{
		ID:     "s1",
		Name:   "s1",
		Action: intent.Action{Type: intent.ActionCommand, Command: "echo hi"},
	}})

	result, err := rt.Run(context.Background(), in, ident.AgentID("op"))
	require.NoError(t, err)
	assert.True(t, result.Success)
}
