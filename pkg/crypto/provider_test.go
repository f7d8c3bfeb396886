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

package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Provider_SignVerify(t *testing.T) {
	p, err := NewEd25519Provider()
	require.NoError(t, err)

	digest := p.Hash([]byte("hello"))
	sig, err := p.Sign(digest)
	require.NoError(t, err)

	assert.True(t, p.Verify(p.PublicKey(), digest, sig))
	assert.False(t, p.Verify(p.PublicKey(), p.Hash([]byte("tampered")), sig))

	other, err := NewEd25519Provider()
	require.NoError(t, err)
	assert.False(t, p.Verify(other.PublicKey(), digest, sig))
}

func TestEd25519Provider_HashDeterministic(t *testing.T) {
	p, err := NewEd25519Provider()
	require.NoError(t, err)

	assert.Equal(t, p.Hash([]byte("data")), p.Hash([]byte("data")))
	assert.NotEqual(t, p.Hash([]byte("data")), p.Hash([]byte("Data")))
	assert.Len(t, p.Hash(nil), 32)
}

func TestLoadOrCreateKey_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signer.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.SignerID(), second.SignerID())
}
