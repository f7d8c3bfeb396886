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

package trust

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

func TestModel_InitialScore(t *testing.T) {
	m := NewModel(store.NewMemoryStore())

	rep, err := m.Get(context.Background(), ident.AgentID("fresh"))
	require.NoError(t, err)
	assert.Equal(t, InitialScore, rep.Score)
}

func TestModel_Transitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		outcome Outcome
		want    float64
	}{
		{OutcomePromiseFulfilled, 0.9*0.5 + 0.1},
		{OutcomeTaskSucceeded, 0.98*0.5 + 0.02},
		{OutcomePromiseViolated, 0.25},
		{OutcomeBoundsViolation, 0.25},
		{OutcomeTaskFailed, 0.45},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			m := NewModel(store.NewMemoryStore())
			rep, err := m.Record(ctx, ident.AgentID("a"), tt.outcome)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, rep.Score, 1e-9)
		})
	}
}

func TestModel_ScoreStaysInRange(t *testing.T) {
	ctx := context.Background()
	m := NewModel(store.NewMemoryStore())
	agent := ident.AgentID("swings")

	for i := 0; i < 50; i++ {
		rep, err := m.Record(ctx, agent, OutcomePromiseFulfilled)
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.Score, 1.0)
	}
	for i := 0; i < 50; i++ {
		rep, err := m.Record(ctx, agent, OutcomeBoundsViolation)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rep.Score, 0.0)
	}
}

func TestModel_DowngradeScenario(t *testing.T) {
	// An agent above 0.9 fails a task then violates bounds; the score lands
	// at score*0.9*0.5 and the strategy tightens to All.
	ctx := context.Background()
	m := NewModel(store.NewMemoryStore())
	agent := ident.AgentID("downgrade")

	// Drive the score above 0.9 by hand: a fulfilled streak of 30 lands at
	// about 0.979.
	var score float64
	for i := 0; i < 30; i++ {
		rep, err := m.Record(ctx, agent, OutcomePromiseFulfilled)
		require.NoError(t, err)
		score = rep.Score
	}
	require.Greater(t, score, 0.9)

	strategy, _ := StrategyFor(score)
	assert.Equal(t, verifier.StrategySingle, strategy)

	rep, err := m.Record(ctx, agent, OutcomeTaskFailed)
	require.NoError(t, err)
	rep, err = m.Record(ctx, agent, OutcomeBoundsViolation)
	require.NoError(t, err)

	assert.InDelta(t, score*0.9*0.5, rep.Score, 1e-9)
	strategy, _ = StrategyFor(rep.Score)
	assert.Equal(t, verifier.StrategyAll, strategy)
}

func TestStrategyFor(t *testing.T) {
	strategy, k := StrategyFor(0.95)
	assert.Equal(t, verifier.StrategySingle, strategy)

	strategy, k = StrategyFor(0.7)
	assert.Equal(t, verifier.StrategyConsensus, strategy)
	assert.Equal(t, 2, k)

	strategy, _ = StrategyFor(0.5)
	assert.Equal(t, verifier.StrategyAll, strategy)

	strategy, _ = StrategyFor(0.2)
	assert.Equal(t, verifier.StrategyAll, strategy)
}

func TestModel_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	m := NewModel(store.NewMemoryStore())
	agent := ident.AgentID("contended")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Record(ctx, agent, OutcomeTaskSucceeded)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every transition must have landed: 0.98^20 decay toward 1.
	rep, err := m.Get(ctx, agent)
	require.NoError(t, err)
	want := InitialScore
	for i := 0; i < 20; i++ {
		want = 0.98*want + 0.02
	}
	assert.InDelta(t, want, rep.Score, 1e-9)
}

func TestModel_PromiseCounters(t *testing.T) {
	ctx := context.Background()
	m := NewModel(store.NewMemoryStore())
	agent := ident.AgentID("counter")

	require.NoError(t, m.RecordPromiseMade(ctx, agent))
	_, err := m.Record(ctx, agent, OutcomePromiseFulfilled)
	require.NoError(t, err)
	_, err = m.Record(ctx, agent, OutcomePromiseViolated)
	require.NoError(t, err)

	rep, err := m.Get(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PromisesMade)
	assert.Equal(t, 1, rep.PromisesKept)
	assert.Equal(t, 1, rep.Violations)
}
