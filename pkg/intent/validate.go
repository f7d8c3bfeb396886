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

package intent

import (
	"math"

	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// Validate checks an intent's structure before registration: step ids are
// unique, dependencies resolve, delegate steps carry a spec, mandatory
// verifications declare expectations, and float expectations carry an
// explicit tolerance.
func Validate(in *Intent) error {
	if in.Goal == "" {
		return fault.New(fault.KindStructureInvalid, "intent has no goal")
	}
	if len(in.Steps) == 0 && len(in.SubIntents) == 0 {
		return fault.New(fault.KindStructureInvalid, "intent %s has no steps", in.ID)
	}

	seen := make(map[string]bool, len(in.Steps))
	for _, s := range in.Steps {
		if s.ID == "" {
			return fault.New(fault.KindStructureInvalid, "step %q has no id", s.Name)
		}
		if seen[string(s.ID)] {
			return fault.New(fault.KindStructureInvalid, "duplicate step id %s", s.ID)
		}
		seen[string(s.ID)] = true
	}

	for _, s := range in.Steps {
		if err := validateStep(s, seen); err != nil {
			return err
		}
	}

	// Sub-intents are strictly a tree; validate each recursively.
	for _, sub := range in.SubIntents {
		if err := Validate(sub); err != nil {
			return err
		}
	}

	// The planner proves acyclicity; running it here rejects cyclic
	// submissions up front.
	if _, err := BuildPlan(in); err != nil {
		return err
	}
	return nil
}

func validateStep(s *Step, known map[string]bool) error {
	for _, dep := range s.DependsOn {
		if !known[string(dep)] {
			return fault.New(fault.KindStructureInvalid, "step %s depends on unknown step %s", s.ID, dep)
		}
		if dep == s.ID {
			return fault.New(fault.KindStructureInvalid, "step %s depends on itself", s.ID)
		}
	}

	switch s.Action.Type {
	case ActionCommand:
		if s.Action.Command == "" {
			return fault.New(fault.KindStructureInvalid, "step %s: command action has no command", s.ID)
		}
	case ActionFunction:
		if s.Action.Function == "" {
			return fault.New(fault.KindStructureInvalid, "step %s: function action has no function name", s.ID)
		}
	case ActionDelegate:
		if s.Action.Delegation == nil {
			return fault.New(fault.KindStructureInvalid, "step %s: delegate action has no delegation spec", s.ID)
		}
		if s.Action.Delegation.Agent == "" {
			return fault.New(fault.KindStructureInvalid, "step %s: delegation has no agent", s.ID)
		}
	default:
		return fault.New(fault.KindStructureInvalid, "step %s: unknown action type %q", s.ID, s.Action.Type)
	}

	for _, c := range s.Preconditions {
		if err := c.Validate(); err != nil {
			return fault.Wrap(fault.KindStructureInvalid, err, "step %s precondition", s.ID)
		}
	}
	for _, c := range s.Postconditions {
		if err := c.Validate(); err != nil {
			return fault.Wrap(fault.KindStructureInvalid, err, "step %s postcondition", s.ID)
		}
	}

	if s.Verification != nil {
		if err := validateReq(*s.Verification, string(s.ID)); err != nil {
			return err
		}
	}
	return nil
}

func validateReq(req verifier.Requirement, stepID string) error {
	switch req.Type {
	case verifier.TypeComposite:
		if len(req.Children) == 0 {
			return fault.New(fault.KindStructureInvalid, "step %s: composite verification has no children", stepID)
		}
		if req.Strategy == verifier.StrategyConsensus && req.ConsensusK > len(req.Children) {
			return fault.New(fault.KindStructureInvalid, "step %s: consensus k exceeds child count", stepID)
		}
		for _, child := range req.Children {
			if err := validateReq(child, stepID); err != nil {
				return err
			}
		}
	case verifier.TypeCommand, verifier.TypeFileSystem, verifier.TypeNetwork, verifier.TypeState:
		if req.Mandatory && len(req.Expected) == 0 {
			return fault.New(fault.KindStructureInvalid, "step %s: mandatory verification has no expectations", stepID)
		}
		if err := validateTolerances(req.Expected, stepID); err != nil {
			return err
		}
	default:
		return fault.New(fault.KindStructureInvalid, "step %s: unknown verification type %q", stepID, req.Type)
	}
	return nil
}

// validateTolerances rejects fractional float expectations without an
// explicit tolerance. Numeric comparisons are exact; approximate matching
// must be declared.
func validateTolerances(expected map[string]any, stepID string) error {
	if len(expected) == 0 {
		return nil
	}
	if _, ok := expected["tolerance"]; ok {
		return nil
	}
	for key, value := range expected {
		if f, ok := value.(float64); ok && f != math.Trunc(f) {
			return fault.New(fault.KindStructureInvalid,
				"step %s: float expectation %q requires an explicit tolerance", stepID, key)
		}
	}
	return nil
}
