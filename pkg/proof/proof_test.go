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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/covenant/pkg/crypto"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

func newProvider(t *testing.T) *crypto.Ed25519Provider {
	t.Helper()
	p, err := crypto.NewEd25519Provider()
	require.NoError(t, err)
	return p
}

func sampleOutcome() verifier.Outcome {
	evidence := map[string]any{"created": []string{"/workspace/a.txt"}, "passed": true}
	return verifier.Outcome{Passed: true, Evidence: evidence, Hash: verifier.EvidenceHash(evidence)}
}

func TestGenerator_ProducesVerifiableProof(t *testing.T) {
	provider := newProvider(t)
	gen := NewGenerator(provider)

	p, err := gen.Generate(ident.NewIntentID(), ident.NewStepID(), "prehash", "posthash", sampleOutcome())
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "prehash", p.PreStateHash)
	assert.Equal(t, "posthash", p.PostStateHash)
	assert.Equal(t, provider.SignerID(), p.SignerID)

	validity := Verify(p, provider)
	assert.True(t, validity.Valid, validity.Reason)
}

func TestVerify_DetectsTampering(t *testing.T) {
	provider := newProvider(t)
	gen := NewGenerator(provider)

	p, err := gen.Generate(ident.NewIntentID(), ident.NewStepID(), "prehash", "posthash", sampleOutcome())
	require.NoError(t, err)

	tampered := *p
	tampered.PostStateHash = "forged"
	assert.False(t, Verify(&tampered, provider).Valid)

	tampered = *p
	tampered.Evidence = map[string]any{"created": []string{"/workspace/other.txt"}}
	assert.False(t, Verify(&tampered, provider).Valid)

	tampered = *p
	other := newProvider(t)
	tampered.SignerID = other.SignerID()
	assert.False(t, Verify(&tampered, provider).Valid)
}

func TestGenerator_NoProvider(t *testing.T) {
	gen := NewGenerator(nil)
	_, err := gen.Generate(ident.NewIntentID(), ident.NewStepID(), "a", "b", sampleOutcome())
	require.Error(t, err)
	assert.Equal(t, fault.KindCryptoUnavailable, fault.KindOf(err))
}

func TestCanonical_Idempotent(t *testing.T) {
	provider := newProvider(t)
	gen := NewGenerator(provider)
	p, err := gen.Generate(ident.NewIntentID(), ident.NewStepID(), "x", "y", sampleOutcome())
	require.NoError(t, err)

	first, err := p.Canonical()
	require.NoError(t, err)

	decoded, err := Decode(first)
	require.NoError(t, err)
	second, err := decoded.Canonical()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestJournal_AppendOnly(t *testing.T) {
	ctx := context.Background()
	provider := newProvider(t)
	gen := NewGenerator(provider)
	journal := NewJournal(store.NewMemoryStore())

	intentID := ident.NewIntentID()
	p, err := gen.Generate(intentID, ident.NewStepID(), "pre", "post", sampleOutcome())
	require.NoError(t, err)

	require.NoError(t, journal.Append(ctx, p))
	assert.Error(t, journal.Append(ctx, p))

	loaded, err := journal.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Root, loaded.Root)
	assert.True(t, Verify(loaded, provider).Valid)

	proofs, err := journal.ListByIntent(ctx, intentID)
	require.NoError(t, err)
	assert.Len(t, proofs, 1)

	_, err = journal.Get(ctx, ident.NewProofID())
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
