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

// Package proof binds pre/post state hashes and verifier evidence into
// signed, immutable verification proofs, and keeps them in an append-only
// journal.
//
// The proof root is H(H(pre) || H(post) || H(evidence_canonical)); the
// signature covers the root. Canonicalization is stable: encoding the same
// proof twice yields identical bytes.
package proof

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/covenant/pkg/ident"
)

// Proof is an immutable verification record.
type Proof struct {
	ID            ident.ProofID  `json:"id"`
	IntentID      ident.IntentID `json:"intent_id"`
	StepID        ident.StepID   `json:"step_id"`
	PreStateHash  string         `json:"pre_state_hash"`
	PostStateHash string         `json:"post_state_hash"`
	EvidenceHash  string         `json:"evidence_hash"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	Root          string         `json:"root"`
	Signature     string         `json:"signature"`
	SignerID      string         `json:"signer_id"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Canonical returns the stable encoding of the proof. Canonicalizing twice
// yields the same bytes: canon(canon(p)) = canon(p).
func (p *Proof) Canonical() ([]byte, error) {
	// Round-trip through generic maps so key order is fixed by
	// encoding/json's sorted map iteration.
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize proof: %w", err)
	}
	return json.Marshal(generic)
}

// Decode parses a stored proof.
func Decode(data []byte) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proof: %w", err)
	}
	return &p, nil
}

// rootInput assembles the hash-chain input from the component digests.
func rootInput(preHash, postHash, evidenceHash string) []byte {
	out := make([]byte, 0, len(preHash)+len(postHash)+len(evidenceHash))
	out = append(out, []byte(preHash)...)
	out = append(out, []byte(postHash)...)
	out = append(out, []byte(evidenceHash)...)
	return out
}

// hexEncode renders a digest or signature for storage.
func hexEncode(b []byte) string { return hex.EncodeToString(b) }
