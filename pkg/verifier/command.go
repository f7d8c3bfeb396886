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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/blake2b"
)

// CommandExpectation is the decoded expectation of a command verifier.
type CommandExpectation struct {
	// ExitCode the command must return. Nil means "don't care".
	ExitCode *int `mapstructure:"exit_code"`

	// StdoutContains must appear in stdout.
	StdoutContains string `mapstructure:"stdout_contains"`

	// StdoutMatches is a regular expression stdout must match.
	StdoutMatches string `mapstructure:"stdout_matches"`

	// StderrContains must appear in stderr.
	StderrContains string `mapstructure:"stderr_contains"`

	// StdoutJSON asserts dotted-path values inside stdout parsed as JSON,
	// e.g. {"result.count": 3}.
	StdoutJSON map[string]any `mapstructure:"stdout_json"`

	// MaxDurationMS caps the execution duration.
	MaxDurationMS int64 `mapstructure:"max_duration_ms"`

	// RequireAttestation demands a sandbox attestation token on the trace.
	RequireAttestation bool `mapstructure:"require_attestation"`
}

// CommandVerifier asserts exit codes, output predicates and duration
// ceilings against the execution trace.
type CommandVerifier struct{}

// NewCommandVerifier creates a command verifier.
func NewCommandVerifier() *CommandVerifier { return &CommandVerifier{} }

// Kind identifies the verifier.
func (v *CommandVerifier) Kind() Type { return TypeCommand }

// Verify checks the trace against the expectation.
func (v *CommandVerifier) Verify(_ context.Context, input Input) (Outcome, error) {
	if input.Trace == nil {
		return Outcome{}, fmt.Errorf("command verifier requires an execution trace")
	}

	var expected CommandExpectation
	if err := mapstructure.Decode(input.Expected, &expected); err != nil {
		return Outcome{}, fmt.Errorf("invalid command expectation: %w", err)
	}

	trace := input.Trace
	stdoutSum := blake2b.Sum256(trace.Stdout)
	stderrSum := blake2b.Sum256(trace.Stderr)
	evidence := map[string]any{
		"argv":        trace.Argv,
		"exit_code":   trace.ExitCode,
		"stdout_hash": hex.EncodeToString(stdoutSum[:]),
		"stderr_hash": hex.EncodeToString(stderrSum[:]),
		"duration_ms": trace.Duration.Milliseconds(),
		"attestation": trace.Attestation,
	}

	fail := func(reason string) (Outcome, error) {
		return finish(Outcome{Passed: false, Reason: reason, Evidence: evidence}), nil
	}

	if expected.ExitCode != nil && trace.ExitCode != *expected.ExitCode {
		return fail(fmt.Sprintf("exit code %d, expected %d", trace.ExitCode, *expected.ExitCode))
	}
	if expected.StdoutContains != "" && !strings.Contains(string(trace.Stdout), expected.StdoutContains) {
		return fail(fmt.Sprintf("stdout does not contain %q", expected.StdoutContains))
	}
	if expected.StdoutMatches != "" {
		re, err := regexp.Compile(expected.StdoutMatches)
		if err != nil {
			return Outcome{}, fmt.Errorf("invalid stdout_matches pattern: %w", err)
		}
		if !re.Match(trace.Stdout) {
			return fail(fmt.Sprintf("stdout does not match %q", expected.StdoutMatches))
		}
	}
	if expected.StderrContains != "" && !strings.Contains(string(trace.Stderr), expected.StderrContains) {
		return fail(fmt.Sprintf("stderr does not contain %q", expected.StderrContains))
	}
	if len(expected.StdoutJSON) > 0 {
		var parsed any
		if err := json.Unmarshal(trace.Stdout, &parsed); err != nil {
			return fail("stdout is not valid JSON")
		}
		for _, path := range sortedKeys(expected.StdoutJSON) {
			want := expected.StdoutJSON[path]
			got, ok := lookupJSONPath(parsed, path)
			if !ok {
				return fail(fmt.Sprintf("stdout json missing %q", path))
			}
			if !jsonValueEqual(got, want) {
				return fail(fmt.Sprintf("stdout json %q = %v, expected %v", path, got, want))
			}
		}
	}
	if expected.MaxDurationMS > 0 && trace.Duration.Milliseconds() > expected.MaxDurationMS {
		return fail(fmt.Sprintf("duration %dms exceeds ceiling %dms", trace.Duration.Milliseconds(), expected.MaxDurationMS))
	}
	if expected.RequireAttestation && trace.Attestation == "" {
		return fail("missing sandbox attestation")
	}

	return finish(Outcome{Passed: true, Evidence: evidence}), nil
}

// lookupJSONPath resolves a dotted path inside decoded JSON.
func lookupJSONPath(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// jsonValueEqual compares a decoded JSON value against an expectation,
// normalizing numerics through float64 the way encoding/json decodes them.
func jsonValueEqual(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
		return false
	}
	gb, _ := json.Marshal(got)
	wb, _ := json.Marshal(want)
	return string(gb) == string(wb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
