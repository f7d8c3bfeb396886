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
	"fmt"

	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
)

// Journal is the append-only proof store. Proofs are immutable once
// written; appending an id twice is an error.
type Journal struct {
	store store.Store
}

// NewJournal creates a journal over the given store.
func NewJournal(s store.Store) *Journal {
	return &Journal{store: s}
}

// Append writes a proof. The compare-and-set with a nil old value enforces
// append-only semantics: an existing proof under the same id rejects.
func (j *Journal) Append(ctx context.Context, p *Proof) error {
	data, err := p.Canonical()
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to canonicalize proof %s", p.ID)
	}
	key := store.PrefixProof + string(p.ID)
	if err := j.store.CompareAndSet(ctx, key, nil, data); err != nil {
		if err == store.ErrCASMismatch {
			return fault.New(fault.KindInternal, "proof %s already written", p.ID)
		}
		return fmt.Errorf("failed to append proof: %w", err)
	}
	return nil
}

// Get loads a proof by id.
func (j *Journal) Get(ctx context.Context, id ident.ProofID) (*Proof, error) {
	data, err := j.store.Get(ctx, store.PrefixProof+string(id))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fault.New(fault.KindNotFound, "proof %s not found", id)
		}
		return nil, err
	}
	return Decode(data)
}

// ListByIntent returns every proof recorded for an intent.
func (j *Journal) ListByIntent(ctx context.Context, intentID ident.IntentID) ([]*Proof, error) {
	entries, err := j.store.List(ctx, store.PrefixProof)
	if err != nil {
		return nil, err
	}
	var proofs []*Proof
	for _, e := range entries {
		p, err := Decode(e.Value)
		if err != nil {
			return nil, err
		}
		if p.IntentID == intentID {
			proofs = append(proofs, p)
		}
	}
	return proofs, nil
}
