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

// Package ident defines the opaque identifiers shared across the engine.
//
// Every identifier is a 128-bit UUID rendered in its canonical string form.
// Distinct types prevent an intent id from being passed where a promise id
// is expected.
package ident

import "github.com/google/uuid"

// IntentID identifies an intent.
type IntentID string

// StepID identifies a step within an intent.
type StepID string

// ContextID identifies an execution context.
type ContextID string

// ProofID identifies a verification proof.
type ProofID string

// PromiseID identifies a promise.
type PromiseID string

// AgentID identifies an agent.
type AgentID string

// NewIntentID returns a fresh intent id.
func NewIntentID() IntentID { return IntentID(uuid.New().String()) }

// NewStepID returns a fresh step id.
func NewStepID() StepID { return StepID(uuid.New().String()) }

// NewContextID returns a fresh context id.
func NewContextID() ContextID { return ContextID(uuid.New().String()) }

// NewProofID returns a fresh proof id.
func NewProofID() ProofID { return ProofID(uuid.New().String()) }

// NewPromiseID returns a fresh promise id.
func NewPromiseID() PromiseID { return PromiseID(uuid.New().String()) }

// NewAgentID returns a fresh agent id.
func NewAgentID() AgentID { return AgentID(uuid.New().String()) }

// Valid reports whether s parses as a canonical UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
