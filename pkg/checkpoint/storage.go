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

package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
)

const prefix = "checkpoint/"

// Storage persists checkpoints in the key-value store under
// checkpoint/<intent>/<seq>.
type Storage struct {
	store store.Store
}

// NewStorage creates checkpoint storage over the given store.
func NewStorage(s store.Store) *Storage {
	return &Storage{store: s}
}

func key(intentID ident.IntentID, seq uint64) string {
	return fmt.Sprintf("%s%s/%012d", prefix, intentID, seq)
}

// Save persists a checkpoint.
func (s *Storage) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return s.store.Put(ctx, key(cp.IntentID, cp.Seq), data)
}

// Load retrieves a checkpoint by intent and sequence.
func (s *Storage) Load(ctx context.Context, intentID ident.IntentID, seq uint64) (*Checkpoint, error) {
	data, err := s.store.Get(ctx, key(intentID, seq))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// ListByIntent returns an intent's checkpoints in sequence order.
func (s *Storage) ListByIntent(ctx context.Context, intentID ident.IntentID) ([]*Checkpoint, error) {
	entries, err := s.store.List(ctx, prefix+string(intentID)+"/")
	if err != nil {
		return nil, err
	}
	checkpoints := make([]*Checkpoint, 0, len(entries))
	for _, e := range entries {
		var cp Checkpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", e.Key, err)
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, nil
}

// Delete removes a checkpoint.
func (s *Storage) Delete(ctx context.Context, intentID ident.IntentID, seq uint64) error {
	return s.store.Delete(ctx, key(intentID, seq))
}
