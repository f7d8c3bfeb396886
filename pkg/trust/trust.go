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

// Package trust maintains per-agent reputation from verified outcomes and
// maps it to verification strictness.
//
// Scores live in [0,1] and start at 0.5. Records persist in the store with
// compare-and-set updates; an in-memory TTL cache absorbs reads and is
// invalidated on every write.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// InitialScore is the score of an agent with no history.
const InitialScore = 0.5

// decayAfter is the idle period after which scores decay.
const decayAfter = 30 * 24 * time.Hour

// Outcome names a trust-relevant event.
type Outcome string

const (
	// OutcomePromiseFulfilled is a verified promise fulfillment.
	OutcomePromiseFulfilled Outcome = "promise_fulfilled"

	// OutcomeTaskVerified is a task success backed by a proof.
	OutcomeTaskVerified Outcome = "task_verified"

	// OutcomeTaskSucceeded is an unverified task success.
	OutcomeTaskSucceeded Outcome = "task_succeeded"

	// OutcomePromiseViolated is a promise violation or bounds violation.
	OutcomePromiseViolated Outcome = "promise_violated"

	// OutcomeBoundsViolation is an attempt outside the agent's bounds.
	OutcomeBoundsViolation Outcome = "bounds_violation"

	// OutcomeTaskFailed is a plain failure without a violation.
	OutcomeTaskFailed Outcome = "task_failed"
)

// Reputation is one agent's trust record.
type Reputation struct {
	AgentID         ident.AgentID `json:"agent_id"`
	Score           float64       `json:"trust_score"`
	PromisesMade    int           `json:"promises_made"`
	PromisesKept    int           `json:"promises_kept"`
	Violations      int           `json:"violations"`
	LastInteraction time.Time     `json:"last_interaction"`
}

// Model maintains reputations.
type Model struct {
	store store.Store
	cache *gocache.Cache
}

// NewModel creates a trust model over the given store.
func NewModel(s store.Store) *Model {
	return &Model{
		store: s,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Get returns an agent's reputation, defaulting to the initial score.
func (m *Model) Get(ctx context.Context, agentID ident.AgentID) (*Reputation, error) {
	if cached, ok := m.cache.Get(string(agentID)); ok {
		rep := cached.(Reputation)
		return &rep, nil
	}

	data, err := m.store.Get(ctx, store.PrefixTrust+string(agentID))
	if err == store.ErrNotFound {
		return &Reputation{AgentID: agentID, Score: InitialScore}, nil
	}
	if err != nil {
		return nil, err
	}
	var rep Reputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode reputation: %w", err)
	}
	m.cache.Set(string(agentID), rep, gocache.DefaultExpiration)
	return &rep, nil
}

// Record applies an outcome to an agent's score. The update is a
// compare-and-set loop so concurrent recorders never lose transitions.
// Returns the updated reputation.
func (m *Model) Record(ctx context.Context, agentID ident.AgentID, outcome Outcome) (*Reputation, error) {
	key := store.PrefixTrust + string(agentID)

	for {
		var (
			rep Reputation
			old []byte
		)
		data, err := m.store.Get(ctx, key)
		switch err {
		case nil:
			if err := json.Unmarshal(data, &rep); err != nil {
				return nil, fmt.Errorf("failed to decode reputation: %w", err)
			}
			old = data
		case store.ErrNotFound:
			rep = Reputation{AgentID: agentID, Score: InitialScore}
		default:
			return nil, err
		}

		applyDecay(&rep)
		applyOutcome(&rep, outcome)
		rep.LastInteraction = time.Now()

		updated, err := json.Marshal(&rep)
		if err != nil {
			return nil, err
		}
		err = m.store.CompareAndSet(ctx, key, old, updated)
		if err == store.ErrCASMismatch {
			continue
		}
		if err != nil {
			return nil, err
		}

		// Cache is invalidated, not refreshed: the next read reloads the
		// authoritative record.
		m.cache.Delete(string(agentID))
		return &rep, nil
	}
}

// applyOutcome implements the transition table.
func applyOutcome(rep *Reputation, outcome Outcome) {
	switch outcome {
	case OutcomePromiseFulfilled:
		rep.Score = 0.9*rep.Score + 0.1*1.0
		rep.PromisesKept++
	case OutcomeTaskVerified:
		rep.Score = 0.9*rep.Score + 0.1*1.0
	case OutcomeTaskSucceeded:
		rep.Score = 0.98*rep.Score + 0.02*1.0
	case OutcomePromiseViolated, OutcomeBoundsViolation:
		rep.Score = 0.5 * rep.Score
		rep.Violations++
	case OutcomeTaskFailed:
		rep.Score = 0.9 * rep.Score
	}
	rep.Score = clamp(rep.Score)
}

// applyDecay reduces the score of long-idle agents.
func applyDecay(rep *Reputation) {
	if rep.LastInteraction.IsZero() {
		return
	}
	if time.Since(rep.LastInteraction) > decayAfter {
		rep.Score = clamp(rep.Score - 0.01)
	}
}

// RecordPromiseMade bumps the promises-made counter without a score change.
func (m *Model) RecordPromiseMade(ctx context.Context, agentID ident.AgentID) error {
	key := store.PrefixTrust + string(agentID)
	for {
		var (
			rep Reputation
			old []byte
		)
		data, err := m.store.Get(ctx, key)
		switch err {
		case nil:
			if err := json.Unmarshal(data, &rep); err != nil {
				return err
			}
			old = data
		case store.ErrNotFound:
			rep = Reputation{AgentID: agentID, Score: InitialScore}
		default:
			return err
		}

		rep.PromisesMade++
		rep.LastInteraction = time.Now()

		updated, err := json.Marshal(&rep)
		if err != nil {
			return err
		}
		err = m.store.CompareAndSet(ctx, key, old, updated)
		if err == store.ErrCASMismatch {
			continue
		}
		if err == nil {
			m.cache.Delete(string(agentID))
		}
		return err
	}
}

// StrategyFor maps a score to the verification strategy the engine demands
// for that agent's work.
func StrategyFor(score float64) (verifier.Strategy, int) {
	switch {
	case score > 0.9:
		return verifier.StrategySingle, 0
	case score > 0.5:
		return verifier.StrategyConsensus, 2
	default:
		return verifier.StrategyAll, 0
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
