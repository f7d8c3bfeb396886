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

	"github.com/mitchellh/mapstructure"
)

// StateExpectation is the decoded expectation of a state verifier.
type StateExpectation struct {
	// Variables maps names to the values they must hold.
	Variables map[string]string `mapstructure:"variables"`

	// ProcessesPresent and ProcessesAbsent assert process observations in
	// the post snapshot.
	ProcessesPresent []string `mapstructure:"processes_present"`
	ProcessesAbsent  []string `mapstructure:"processes_absent"`

	// ConnectionsPresent and ConnectionsAbsent assert connection
	// observations in the post snapshot.
	ConnectionsPresent []string `mapstructure:"connections_present"`
	ConnectionsAbsent  []string `mapstructure:"connections_absent"`
}

// StateVerifier asserts context variable values and process/connection
// presence.
type StateVerifier struct{}

// NewStateVerifier creates a state verifier.
func NewStateVerifier() *StateVerifier { return &StateVerifier{} }

// Kind identifies the verifier.
func (v *StateVerifier) Kind() Type { return TypeState }

// Verify checks variables and post-snapshot observations.
func (v *StateVerifier) Verify(_ context.Context, input Input) (Outcome, error) {
	var expected StateExpectation
	if err := mapstructure.Decode(input.Expected, &expected); err != nil {
		return Outcome{}, fmt.Errorf("invalid state expectation: %w", err)
	}

	evidence := map[string]any{
		"variables": input.Variables,
	}
	if input.Post != nil {
		evidence["processes"] = input.Post.Processes
		evidence["connections"] = input.Post.Connections
	}

	fail := func(reason string) (Outcome, error) {
		return finish(Outcome{Passed: false, Reason: reason, Evidence: evidence}), nil
	}

	for _, name := range sortedKeys(expected.Variables) {
		got, ok := input.Variables[name]
		if !ok {
			return fail(fmt.Sprintf("variable %q not set", name))
		}
		if got != expected.Variables[name] {
			return fail(fmt.Sprintf("variable %q = %q, expected %q", name, got, expected.Variables[name]))
		}
	}

	if input.Post != nil {
		for _, proc := range expected.ProcessesPresent {
			if !containsString(input.Post.Processes, proc) {
				return fail(fmt.Sprintf("process %q not observed", proc))
			}
		}
		for _, proc := range expected.ProcessesAbsent {
			if containsString(input.Post.Processes, proc) {
				return fail(fmt.Sprintf("process %q still observed", proc))
			}
		}
		for _, conn := range expected.ConnectionsPresent {
			if !containsString(input.Post.Connections, conn) {
				return fail(fmt.Sprintf("connection %q not observed", conn))
			}
		}
		for _, conn := range expected.ConnectionsAbsent {
			if containsString(input.Post.Connections, conn) {
				return fail(fmt.Sprintf("connection %q still observed", conn))
			}
		}
	}

	return finish(Outcome{Passed: true, Evidence: evidence}), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
