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

// Package crypto defines the signing and hashing contract consumed by the
// proof generator, and a default ed25519/BLAKE2b provider.
//
// The core requires only determinism and verifiability from a provider.
// Deployments needing a different scheme (including post-quantum ones)
// supply their own Provider.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Digest is a hash output.
type Digest []byte

// Signature is a detached signature over a digest.
type Signature []byte

// Provider supplies the primitives the proof pipeline depends on.
// Implementations must be deterministic and safe for concurrent use.
type Provider interface {
	// Hash digests data.
	Hash(data []byte) Digest

	// Sign signs a digest with the provider's secret key.
	Sign(digest Digest) (Signature, error)

	// Verify checks a signature over digest under pub.
	Verify(pub []byte, digest Digest, sig Signature) bool

	// SignerID identifies the signing key (hex of the public key).
	SignerID() string

	// PublicKey returns the raw public key bytes.
	PublicKey() []byte
}

// Ed25519Provider is the default Provider: BLAKE2b-256 digests signed with
// ed25519.
type Ed25519Provider struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Provider generates a fresh keypair.
func NewEd25519Provider() (*Ed25519Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Ed25519Provider{priv: priv, pub: pub}, nil
}

// NewEd25519ProviderFromSeed builds a provider from a 32-byte seed.
func NewEd25519ProviderFromSeed(seed []byte) (*Ed25519Provider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Provider{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// LoadOrCreateKey loads a hex-encoded seed from path, generating and
// persisting one when the file does not exist.
func LoadOrCreateKey(path string) (*Ed25519Provider, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid key file %s: %w", path, err)
		}
		return NewEd25519ProviderFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}
	return NewEd25519ProviderFromSeed(seed)
}

// Hash digests data with BLAKE2b-256.
func (p *Ed25519Provider) Hash(data []byte) Digest {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Sign signs digest with the provider's private key.
func (p *Ed25519Provider) Sign(digest Digest) (Signature, error) {
	if p.priv == nil {
		return nil, fmt.Errorf("no signing key")
	}
	return ed25519.Sign(p.priv, digest), nil
}

// Verify checks sig over digest under pub.
func (p *Ed25519Provider) Verify(pub []byte, digest Digest, sig Signature) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

// SignerID returns the hex-encoded public key.
func (p *Ed25519Provider) SignerID() string {
	return hex.EncodeToString(p.pub)
}

// PublicKey returns the raw public key bytes.
func (p *Ed25519Provider) PublicKey() []byte {
	out := make([]byte, len(p.pub))
	copy(out, p.pub)
	return out
}

// PrivateKey returns the raw private key for callers that need to sign
// structured tokens (capability JWTs) rather than bare digests.
func (p *Ed25519Provider) PrivateKey() ed25519.PrivateKey {
	out := make(ed25519.PrivateKey, len(p.priv))
	copy(out, p.priv)
	return out
}
