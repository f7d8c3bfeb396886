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

package verifier

import (
	"context"
	"fmt"
)

// Runner executes a Requirement against a registry, handling composites and
// strategies.
type Runner struct {
	registry *Registry
}

// NewRunner creates a Runner over the given registry.
func NewRunner(reg *Registry) *Runner {
	if reg == nil {
		reg = Default()
	}
	return &Runner{registry: reg}
}

// Run evaluates the requirement. Sub-verifiers run in declaration order;
// every one runs even after the result is decided, so evidence is always
// complete.
func (r *Runner) Run(ctx context.Context, req Requirement, input Input) (Outcome, error) {
	if req.Type != TypeComposite {
		return r.runSingle(ctx, req, input)
	}

	if len(req.Children) == 0 {
		return Outcome{}, fmt.Errorf("composite requirement has no children")
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyAll
	}

	outcomes := make([]Outcome, 0, len(req.Children))
	var firstErr error
	passed := 0
	for _, child := range req.Children {
		outcome, err := r.Run(ctx, child, Input{
			Expected:  child.Expected,
			Pre:       input.Pre,
			Post:      input.Post,
			Trace:     input.Trace,
			Variables: input.Variables,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			outcomes = append(outcomes, Outcome{Passed: false, Reason: err.Error()})
			continue
		}
		if outcome.Passed {
			passed++
		}
		outcomes = append(outcomes, outcome)
	}

	if firstErr != nil && strategy == StrategyAll {
		return Outcome{}, firstErr
	}

	var ok bool
	var reason string
	switch strategy {
	case StrategySingle:
		ok = outcomes[0].Passed
		reason = outcomes[0].Reason
	case StrategyConsensus:
		k := req.ConsensusK
		if k <= 0 {
			k = len(req.Children)/2 + 1
		}
		ok = passed >= k
		if !ok {
			reason = fmt.Sprintf("consensus not reached: %d/%d passed, need %d", passed, len(outcomes), k)
		}
	default: // StrategyAll
		ok = passed == len(outcomes)
		if !ok {
			reason = fmt.Sprintf("%d of %d sub-verifiers failed", len(outcomes)-passed, len(outcomes))
		}
	}

	children := make([]map[string]any, len(outcomes))
	for i, o := range outcomes {
		children[i] = map[string]any{
			"type":     string(req.Children[i].Type),
			"passed":   o.Passed,
			"reason":   o.Reason,
			"hash":     o.Hash,
			"evidence": o.Evidence,
		}
	}
	evidence := map[string]any{
		"strategy": string(strategy),
		"passed":   passed,
		"total":    len(outcomes),
		"children": children,
	}

	return finish(Outcome{Passed: ok, Reason: reason, Evidence: evidence}), nil
}

func (r *Runner) runSingle(ctx context.Context, req Requirement, input Input) (Outcome, error) {
	v, ok := r.registry.Get(string(req.Type))
	if !ok {
		return Outcome{}, fmt.Errorf("no verifier registered for type %q", req.Type)
	}
	if input.Expected == nil {
		input.Expected = req.Expected
	}
	return v.Verify(ctx, input)
}

// Upgrade tightens a requirement's strategy to at least the given one.
// Strategies order Single < Consensus < All; a stricter declared strategy
// is never loosened.
func Upgrade(req Requirement, strategy Strategy, consensusK int) Requirement {
	if req.Type != TypeComposite {
		return req
	}
	if rank(strategy) <= rank(req.Strategy) {
		return req
	}
	req.Strategy = strategy
	if strategy == StrategyConsensus && consensusK > 0 {
		req.ConsensusK = consensusK
	}
	return req
}

func rank(s Strategy) int {
	switch s {
	case StrategyAll:
		return 2
	case StrategyConsensus:
		return 1
	default:
		return 0
	}
}
