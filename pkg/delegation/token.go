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

package delegation

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/covenant/pkg/ident"
)

// Claim names inside capability tokens.
const (
	claimIntent = "covenant:intent"
	claimAgent  = "covenant:agent"
	claimScope  = "covenant:scope"
)

// TokenIssuer mints and validates capability tokens for delegated
// sub-agents. A token scopes what the sub-agent may report on the event
// bus and carries the parent intent correlation.
type TokenIssuer struct {
	private jwk.Key
	public  jwk.Key
}

// NewTokenIssuer creates an issuer from an ed25519 private key.
func NewTokenIssuer(priv ed25519.PrivateKey) (*TokenIssuer, error) {
	private, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to build signing key: %w", err)
	}
	public, err := private.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &TokenIssuer{private: private, public: public}, nil
}

// Issue mints a capability token for one delegation.
func (i *TokenIssuer) Issue(intentID ident.IntentID, agent ident.AgentID, scope string, deadline time.Time) (string, error) {
	builder := jwt.NewBuilder().
		Issuer("covenant").
		IssuedAt(time.Now()).
		Claim(claimIntent, string(intentID)).
		Claim(claimAgent, string(agent)).
		Claim(claimScope, scope)
	if !deadline.IsZero() {
		builder = builder.Expiration(deadline)
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build capability token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.EdDSA, i.private))
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return string(signed), nil
}

// Capability is the validated content of a token.
type Capability struct {
	IntentID ident.IntentID
	Agent    ident.AgentID
	Scope    string
	Expires  time.Time
}

// Validate checks the signature and expiry and returns the capability.
func (i *TokenIssuer) Validate(raw string) (*Capability, error) {
	token, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.EdDSA, i.public), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("invalid capability token: %w", err)
	}

	capability := &Capability{Expires: token.Expiration()}
	if v, ok := token.Get(claimIntent); ok {
		if s, ok := v.(string); ok {
			capability.IntentID = ident.IntentID(s)
		}
	}
	if v, ok := token.Get(claimAgent); ok {
		if s, ok := v.(string); ok {
			capability.Agent = ident.AgentID(s)
		}
	}
	if v, ok := token.Get(claimScope); ok {
		if s, ok := v.(string); ok {
			capability.Scope = s
		}
	}
	if capability.IntentID == "" || capability.Agent == "" {
		return nil, fmt.Errorf("capability token missing required claims")
	}
	return capability, nil
}
