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

package promise

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/crypto"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/trust"
)

// Manager runs the promise lifecycle over the persistent store.
type Manager struct {
	store    store.Store
	bus      *events.Bus
	trust    *trust.Model
	journal  *proof.Journal
	provider crypto.Provider
}

// ManagerOptions bundle the manager's collaborators.
type ManagerOptions struct {
	Store    store.Store
	Bus      *events.Bus
	Trust    *trust.Model
	Journal  *proof.Journal
	Provider crypto.Provider
}

// NewManager creates a promise Manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		store:    opts.Store,
		bus:      opts.Bus,
		trust:    opts.Trust,
		journal:  opts.Journal,
		provider: opts.Provider,
	}
}

// Propose registers a new promise. The promiser's constraints must be a
// sub-lattice of its current bounds, and the proposal must be causally
// independent of the promisee (no in-flight reverse obligation that would
// coerce it).
func (m *Manager) Propose(ctx context.Context, p *Promise, promiserBounds *bounds.Bounds) (ident.PromiseID, error) {
	if p.Promiser == "" {
		return "", fault.New(fault.KindStructureInvalid, "promise has no promiser")
	}
	if p.Promiser == p.Promisee {
		return "", fault.New(fault.KindStructureInvalid, "promiser and promisee must differ")
	}
	if p.Body.Constraints != nil && !p.Body.Constraints.SubsetOf(promiserBounds) {
		return "", fault.New(fault.KindBoundsViolation,
			"promise constraints exceed the promiser's bounds")
	}

	independent, err := m.CausallyIndependent(ctx, p.Promiser, p.Promisee)
	if err != nil {
		return "", err
	}
	if !independent {
		return "", fault.New(fault.KindPromiseRefused,
			"in-flight reverse obligation between %s and %s", p.Promisee, p.Promiser)
	}

	if p.ID == "" {
		p.ID = ident.NewPromiseID()
	}
	p.Status = StatusProposed
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt

	if err := m.save(ctx, p); err != nil {
		return "", err
	}
	if m.trust != nil {
		_ = m.trust.RecordPromiseMade(ctx, p.Promiser)
	}
	m.emit(ctx, events.TopicPromiseProposed, p)
	return p.ID, nil
}

// Accept transitions a proposed promise to accepted. Only the promisee (a
// distinct counterparty) can accept; the promiser accepting its own
// proposal is rejected.
func (m *Manager) Accept(ctx context.Context, id ident.PromiseID, acceptor ident.AgentID) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if acceptor == p.Promiser {
		return fault.New(fault.KindPromiseRefused, "self-acceptance not allowed")
	}
	if p.Promisee != "" && acceptor != p.Promisee {
		return fault.New(fault.KindPromiseRefused,
			"promise %s is addressed to %s, not %s", id, p.Promisee, acceptor)
	}
	if !CanTransition(p.Status, StatusAccepted) {
		return fault.New(fault.KindPromiseRefused,
			"promise %s cannot be accepted from %s", id, p.Status)
	}

	p.Status = StatusAccepted
	if p.Promisee == "" {
		p.Promisee = acceptor
	}
	p.UpdatedAt = time.Now()
	if err := m.save(ctx, p); err != nil {
		return err
	}
	m.emit(ctx, events.TopicPromiseAccepted, p)
	return nil
}

// Refuse declines a proposed promise.
func (m *Manager) Refuse(ctx context.Context, id ident.PromiseID, reason string) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(p.Status, StatusRefused) {
		return fault.New(fault.KindPromiseRefused,
			"promise %s cannot be refused from %s", id, p.Status)
	}
	p.Status = StatusRefused
	if p.Body.Metadata == nil {
		p.Body.Metadata = map[string]any{}
	}
	p.Body.Metadata["refusal_reason"] = reason
	p.UpdatedAt = time.Now()
	if err := m.save(ctx, p); err != nil {
		return err
	}
	m.emit(ctx, events.TopicPromiseRefused, p)
	return nil
}

// SubmitEvidence attaches fulfillment evidence to an accepted promise.
func (m *Manager) SubmitEvidence(ctx context.Context, id ident.PromiseID, evidence map[string]any) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusAccepted {
		return fault.New(fault.KindPromiseRefused,
			"evidence requires an accepted promise, promise %s is %s", id, p.Status)
	}
	p.Evidence = evidence
	p.UpdatedAt = time.Now()
	return m.save(ctx, p)
}

// VerifyFulfillment decides fulfilled or violated. Evidence must reference
// a proof in the journal that re-verifies under the crypto provider;
// anything less is a violation.
func (m *Manager) VerifyFulfillment(ctx context.Context, id ident.PromiseID) (Status, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Status != StatusAccepted {
		return "", fault.New(fault.KindPromiseRefused,
			"promise %s is %s, not accepted", id, p.Status)
	}

	fulfilled := m.evidenceHolds(ctx, p)

	if fulfilled {
		p.Status = StatusFulfilled
	} else {
		p.Status = StatusViolated
	}
	p.UpdatedAt = time.Now()
	if err := m.save(ctx, p); err != nil {
		return "", err
	}

	if m.trust != nil {
		outcome := trust.OutcomePromiseFulfilled
		if !fulfilled {
			outcome = trust.OutcomePromiseViolated
		}
		_, _ = m.trust.Record(ctx, p.Promiser, outcome)
	}

	topic := events.TopicPromiseFulfilled
	if !fulfilled {
		topic = events.TopicPromiseViolated
	}
	m.emit(ctx, topic, p)
	return p.Status, nil
}

// evidenceHolds checks the evidence against the proof journal.
func (m *Manager) evidenceHolds(ctx context.Context, p *Promise) bool {
	if len(p.Evidence) == 0 || m.journal == nil {
		return false
	}
	proofID, ok := p.Evidence["proof_id"].(string)
	if !ok || proofID == "" {
		return false
	}
	stored, err := m.journal.Get(ctx, ident.ProofID(proofID))
	if err != nil {
		return false
	}
	return proof.Verify(stored, m.provider).Valid
}

// Expire transitions a promise whose deadline passed without evidence.
func (m *Manager) Expire(ctx context.Context, id ident.PromiseID) error {
	p, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(p.Status, StatusExpired) {
		return fault.New(fault.KindPromiseExpired,
			"promise %s cannot expire from %s", id, p.Status)
	}
	p.Status = StatusExpired
	p.UpdatedAt = time.Now()
	if err := m.save(ctx, p); err != nil {
		return err
	}
	m.emit(ctx, events.TopicPromiseExpired, p)
	return nil
}

// Get loads a promise.
func (m *Manager) Get(ctx context.Context, id ident.PromiseID) (*Promise, error) {
	data, err := m.store.Get(ctx, store.PrefixPromise+string(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fault.New(fault.KindNotFound, "promise %s not found", id)
		}
		return nil, err
	}
	var p Promise
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to decode promise")
	}
	return &p, nil
}

// ListByAgent returns promises where the agent is promiser or promisee.
func (m *Manager) ListByAgent(ctx context.Context, agent ident.AgentID) ([]*Promise, error) {
	entries, err := m.store.List(ctx, store.PrefixPromise)
	if err != nil {
		return nil, err
	}
	var out []*Promise
	for _, e := range entries {
		var p Promise
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, err
		}
		if p.Promiser == agent || p.Promisee == agent {
			out = append(out, &p)
		}
	}
	return out, nil
}

// CausallyIndependent reports whether promiser is free of in-flight
// reverse obligations toward promisee.
func (m *Manager) CausallyIndependent(ctx context.Context, promiser, promisee ident.AgentID) (bool, error) {
	if promisee == "" {
		return true, nil
	}
	existing, err := m.ListByAgent(ctx, promiser)
	if err != nil {
		return false, err
	}
	for _, p := range existing {
		if p.Status.IsTerminal() {
			continue
		}
		// A live promise from the would-be promisee to the would-be
		// promiser is leverage; acceptance would not be voluntary.
		if p.Promiser == promisee && p.Promisee == promiser {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) save(ctx context.Context, p *Promise) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to encode promise")
	}
	return m.store.Put(ctx, store.PrefixPromise+string(p.ID), data)
}

func (m *Manager) emit(ctx context.Context, topic events.Topic, p *Promise) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.New(topic, "promise-manager", string(p.ID), map[string]any{
		"promise_id": string(p.ID),
		"promiser":   string(p.Promiser),
		"promisee":   string(p.Promisee),
		"type":       string(p.Type),
		"status":     string(p.Status),
	}))
}
