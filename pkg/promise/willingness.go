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

package promise

import (
	"context"
	"fmt"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/ident"
)

// Decision is the outcome of a willingness evaluation.
type Decision string

const (
	// Willing accepts the request as-is.
	Willing Decision = "willing"

	// Conditional accepts once the listed conditions are met; satisfying
	// them must itself be a voluntary promise by the requester.
	Conditional Decision = "conditional"

	// Unwilling declines.
	Unwilling Decision = "unwilling"

	// Uncertain cannot decide without the listed information.
	Uncertain Decision = "uncertain"
)

// RefusalCause classifies an Unwilling decision.
type RefusalCause string

const (
	CausePolicy   RefusalCause = "policy"
	CauseTrust    RefusalCause = "trust"
	CauseCoercion RefusalCause = "coercion"
)

// Willingness is the evaluated response to a cooperation request.
type Willingness struct {
	Decision   Decision     `json:"decision"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason,omitempty"`
	Cause      RefusalCause `json:"cause,omitempty"`

	// Conditions lists the additional permissions or commitments required
	// for a Conditional decision.
	Conditions []string `json:"conditions,omitempty"`

	// MissingInfo lists what an Uncertain decision needs.
	MissingInfo []string `json:"missing_info,omitempty"`
}

// Request is a cooperation request under evaluation.
type Request struct {
	// From is the requesting agent.
	From ident.AgentID `json:"from"`

	// Scope names what is being asked.
	Scope string `json:"scope"`

	// Constraints the requester wants the work performed under.
	Constraints *bounds.Bounds `json:"constraints,omitempty"`
}

// EvaluatorConfig tunes willingness evaluation.
type EvaluatorConfig struct {
	// MinTrust is the counterparty score below which requests are refused.
	MinTrust float64 `yaml:"min_trust"`

	// MaxOpenPromises caps in-flight promises per promiser before new
	// requests become conditional.
	MaxOpenPromises int `yaml:"max_open_promises"`

	// DeniedScopes are refused outright by policy.
	DeniedScopes []string `yaml:"denied_scopes"`
}

// SetDefaults fills zero values.
func (c *EvaluatorConfig) SetDefaults() {
	if c.MinTrust == 0 {
		c.MinTrust = 0.2
	}
	if c.MaxOpenPromises == 0 {
		c.MaxOpenPromises = 8
	}
}

// EvaluateWillingness decides whether agent would take on the request,
// consulting counterparty trust, capacity under the agent's bounds,
// conflicts with existing promises, and policy filters.
func (m *Manager) EvaluateWillingness(ctx context.Context, agent ident.AgentID, agentBounds *bounds.Bounds, req Request, cfg EvaluatorConfig) (*Willingness, error) {
	cfg.SetDefaults()

	if req.From == "" {
		return &Willingness{
			Decision:    Uncertain,
			Confidence:  0.3,
			MissingInfo: []string{"requesting agent identity"},
		}, nil
	}

	for _, denied := range cfg.DeniedScopes {
		if denied == req.Scope {
			return &Willingness{
				Decision:   Unwilling,
				Confidence: 1.0,
				Reason:     fmt.Sprintf("scope %q is refused by policy", req.Scope),
				Cause:      CausePolicy,
			}, nil
		}
	}

	// Counterparty trust.
	if m.trust != nil {
		rep, err := m.trust.Get(ctx, req.From)
		if err != nil {
			return nil, err
		}
		if rep.Score < cfg.MinTrust {
			return &Willingness{
				Decision:   Unwilling,
				Confidence: 0.9,
				Reason:     fmt.Sprintf("counterparty trust %.2f below threshold %.2f", rep.Score, cfg.MinTrust),
				Cause:      CauseTrust,
			}, nil
		}
	}

	// Coercion check: an in-flight obligation from the requester to agent
	// means acceptance would not be voluntary.
	independent, err := m.CausallyIndependent(ctx, agent, req.From)
	if err != nil {
		return nil, err
	}
	if !independent {
		return &Willingness{
			Decision:   Unwilling,
			Confidence: 1.0,
			Reason:     "existing reverse obligation would make acceptance coerced",
			Cause:      CauseCoercion,
		}, nil
	}

	// Capacity: the requested constraints must fit inside the agent's own
	// bounds; what does not fit becomes a condition.
	if req.Constraints != nil && !req.Constraints.SubsetOf(agentBounds) {
		return &Willingness{
			Decision:   Conditional,
			Confidence: 0.6,
			Conditions: []string{
				"requested constraints exceed current bounds; a narrower request or a bounds grant is required",
			},
		}, nil
	}

	// Load: too many open promises makes new ones conditional on capacity.
	open, err := m.openPromiseCount(ctx, agent)
	if err != nil {
		return nil, err
	}
	if open >= cfg.MaxOpenPromises {
		return &Willingness{
			Decision:   Conditional,
			Confidence: 0.5,
			Conditions: []string{
				fmt.Sprintf("%d promises already in flight; completion or release of one is required", open),
			},
		}, nil
	}

	return &Willingness{Decision: Willing, Confidence: 0.9}, nil
}

func (m *Manager) openPromiseCount(ctx context.Context, agent ident.AgentID) (int, error) {
	promises, err := m.ListByAgent(ctx, agent)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range promises {
		if p.Promiser == agent && !p.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}
