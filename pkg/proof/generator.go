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

package proof

import (
	"encoding/hex"
	"time"

	"github.com/kadirpekel/covenant/pkg/crypto"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// Generator produces signed proofs from verification results.
type Generator struct {
	provider crypto.Provider
}

// NewGenerator creates a Generator signing with the given provider.
func NewGenerator(provider crypto.Provider) *Generator {
	return &Generator{provider: provider}
}

// Generate binds the snapshot hashes and verifier evidence into a signed
// proof. A missing or failing signer yields KindCryptoUnavailable.
func (g *Generator) Generate(intentID ident.IntentID, stepID ident.StepID, preHash, postHash string, outcome verifier.Outcome) (*Proof, error) {
	if g.provider == nil {
		return nil, fault.New(fault.KindCryptoUnavailable, "no crypto provider configured")
	}

	evidenceHash := outcome.Hash
	if evidenceHash == "" {
		evidenceHash = verifier.EvidenceHash(outcome.Evidence)
	}

	root := g.provider.Hash(rootInput(preHash, postHash, evidenceHash))
	sig, err := g.provider.Sign(root)
	if err != nil {
		return nil, fault.Wrap(fault.KindCryptoUnavailable, err, "failed to sign proof")
	}

	return &Proof{
		ID:            ident.NewProofID(),
		IntentID:      intentID,
		StepID:        stepID,
		PreStateHash:  preHash,
		PostStateHash: postHash,
		EvidenceHash:  evidenceHash,
		Evidence:      outcome.Evidence,
		Root:          hexEncode(root),
		Signature:     hexEncode(sig),
		SignerID:      g.provider.SignerID(),
		Timestamp:     time.Now(),
	}, nil
}

// Validity is the result of re-verifying a stored proof.
type Validity struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verify recomputes the hash chain and checks the signature under the
// signer's public key (the signer id is the hex-encoded key).
func Verify(p *Proof, provider crypto.Provider) Validity {
	evidenceHash := verifier.EvidenceHash(p.Evidence)
	if p.Evidence != nil && evidenceHash != p.EvidenceHash {
		return Validity{Valid: false, Reason: "evidence hash mismatch"}
	}

	root := provider.Hash(rootInput(p.PreStateHash, p.PostStateHash, p.EvidenceHash))
	if hexEncode(root) != p.Root {
		return Validity{Valid: false, Reason: "root hash mismatch"}
	}

	pub, err := hex.DecodeString(p.SignerID)
	if err != nil {
		return Validity{Valid: false, Reason: "invalid signer id"}
	}
	sig, err := hex.DecodeString(p.Signature)
	if err != nil {
		return Validity{Valid: false, Reason: "invalid signature encoding"}
	}
	if !provider.Verify(pub, root, sig) {
		return Validity{Valid: false, Reason: "signature verification failed"}
	}
	return Validity{Valid: true}
}
