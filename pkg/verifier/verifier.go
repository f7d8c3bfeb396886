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

// Package verifier decides whether a claimed action actually occurred.
//
// A verifier receives the declared expectation, the pre and post snapshots
// and the execution trace, and produces an outcome with evidence. Four
// verifier kinds cover commands, filesystem effects, network effects and
// context state; Composite combines them under a strategy.
package verifier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kadirpekel/covenant/pkg/httpclient"
	"github.com/kadirpekel/covenant/pkg/registry"
	"github.com/kadirpekel/covenant/pkg/snapshot"
)

// Type names a verifier kind.
type Type string

const (
	TypeCommand    Type = "command"
	TypeFileSystem Type = "filesystem"
	TypeNetwork    Type = "network"
	TypeState      Type = "state"
	TypeComposite  Type = "composite"
)

// Strategy combines sub-verifier outcomes.
type Strategy string

const (
	// StrategySingle takes the first verifier's outcome as the result.
	StrategySingle Strategy = "single"

	// StrategyConsensus passes iff at least K sub-verifiers pass.
	StrategyConsensus Strategy = "consensus"

	// StrategyAll passes iff every sub-verifier passes.
	StrategyAll Strategy = "all"
)

// Requirement declares what verification a step demands.
type Requirement struct {
	Type      Type           `json:"type" yaml:"type"`
	Expected  map[string]any `json:"expected,omitempty" yaml:"expected"`
	Mandatory bool           `json:"mandatory" yaml:"mandatory"`
	Strategy  Strategy       `json:"strategy,omitempty" yaml:"strategy"`

	// ConsensusK is the K of StrategyConsensus.
	ConsensusK int `json:"consensus_k,omitempty" yaml:"consensus_k"`

	// Children are the sub-requirements of a composite.
	Children []Requirement `json:"children,omitempty" yaml:"children"`
}

// Trace is what the sandbox observed while the action ran.
type Trace struct {
	Argv        []string          `json:"argv,omitempty"`
	ExitCode    int               `json:"exit_code"`
	Stdout      []byte            `json:"-"`
	Stderr      []byte            `json:"-"`
	Duration    time.Duration     `json:"duration"`
	Attestation string            `json:"attestation,omitempty"`
	HTTPStatus  int               `json:"http_status,omitempty"`
	HTTPHeaders map[string]string `json:"http_headers,omitempty"`
	HTTPBody    []byte            `json:"-"`
	HTTPLatency time.Duration     `json:"http_latency,omitempty"`
}

// Input bundles everything a verifier inspects.
type Input struct {
	Expected map[string]any
	Pre      *snapshot.Snapshot
	Post     *snapshot.Snapshot
	Trace    *Trace

	// Variables is the flattened view of the step's context variables.
	Variables map[string]string
}

// Outcome is a verifier's decision plus its evidence.
type Outcome struct {
	Passed   bool           `json:"passed"`
	Reason   string         `json:"reason,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Hash     string         `json:"hash"`
}

// Verifier inspects state and evidence to decide whether a claimed action
// occurred.
type Verifier interface {
	// Kind identifies the verifier.
	Kind() Type

	// Verify runs the check. An error means the verifier itself could not
	// run (transient); a failed Outcome means the claim did not hold.
	Verify(ctx context.Context, input Input) (Outcome, error)
}

// Registry holds the registered verifiers by kind.
type Registry struct {
	*registry.BaseRegistry[Verifier]
}

// NewRegistry creates an empty verifier registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Verifier]()}
}

// Default builds a registry with the built-in verifiers registered. The
// network verifier probes once per verification: observing current state
// is the verifier's job, re-attempting is the recovery policy's.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(string(TypeCommand), NewCommandVerifier())
	_ = r.Register(string(TypeFileSystem), NewFileSystemVerifier())
	_ = r.Register(string(TypeNetwork), NewNetworkVerifier(httpclient.New(httpclient.WithMaxRetries(0))))
	_ = r.Register(string(TypeState), NewStateVerifier())
	return r
}

// finish stamps the evidence hash onto an outcome.
func finish(outcome Outcome) Outcome {
	outcome.Hash = EvidenceHash(outcome.Evidence)
	return outcome
}

// EvidenceHash returns the canonical BLAKE2b-256 digest of evidence.
func EvidenceHash(evidence map[string]any) string {
	data, err := canonicalJSON(evidence)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes v with stable key order. encoding/json sorts map
// keys, so one decode/encode round trip through generic maps is canonical.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// sortedKeys returns the keys of m in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
