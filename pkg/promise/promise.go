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

// Package promise implements voluntary commitments between agents.
//
// A promise is proposed by the promiser, accepted (or refused) by a
// distinct counterparty, and fulfilled only with verifier-accepted
// evidence. Violation is terminal. Nothing here coerces: the causal
// independence check rejects proposals that an existing reverse obligation
// would force.
package promise

import (
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/ident"
)

// Type classifies a promise.
type Type string

const (
	// TypeOffer promises to provide a capability.
	TypeOffer Type = "offer"

	// TypeUse promises to consume a capability within limits.
	TypeUse Type = "use"

	// TypeDelegate promises to perform a delegated task.
	TypeDelegate Type = "delegate"
)

// Status is a promise's lifecycle state.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusRefused   Status = "refused"
	StatusFulfilled Status = "fulfilled"
	StatusViolated  Status = "violated"
	StatusExpired   Status = "expired"
)

// IsTerminal returns whether this state is terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRefused, StatusFulfilled, StatusViolated, StatusExpired:
		return true
	}
	return false
}

// transitions is the legal state machine.
var transitions = map[Status][]Status{
	StatusProposed: {StatusAccepted, StatusRefused, StatusExpired},
	StatusAccepted: {StatusFulfilled, StatusViolated, StatusExpired},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Body is the substance of a promise.
type Body struct {
	// Content describes what is promised.
	Content string `json:"content"`

	// Constraints bound the promised work; they must be a sub-lattice of
	// the promiser's current bounds.
	Constraints *bounds.Bounds `json:"constraints,omitempty"`

	// QoS carries quality-of-service hints.
	QoS map[string]string `json:"qos,omitempty"`

	// Metadata carries anything else.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Promise is a voluntary commitment.
type Promise struct {
	ID       ident.PromiseID `json:"id"`
	Promiser ident.AgentID   `json:"promiser"`
	Promisee ident.AgentID   `json:"promisee,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Type     Type            `json:"type"`
	Body     Body            `json:"body"`
	Status   Status          `json:"status"`

	// Deadline is when an unfulfilled promise expires.
	Deadline time.Time `json:"deadline,omitempty"`

	// Evidence backs the fulfillment claim.
	Evidence map[string]any `json:"evidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the deadline has passed.
func (p *Promise) Expired(now time.Time) bool {
	return !p.Deadline.IsZero() && now.After(p.Deadline)
}
