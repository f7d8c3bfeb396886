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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/snapshot"
)

// Manager creates, restores and releases checkpoints. Checkpoint creation
// is serialized per intent so sequence numbers stay dense and ordered.
type Manager struct {
	config  *Config
	storage *Storage

	mu   sync.Mutex
	seqs map[ident.IntentID]uint64
	// index maps checkpoint id to (intent, seq) for rollback lookups.
	index map[string]indexEntry
}

type indexEntry struct {
	intentID ident.IntentID
	seq      uint64
}

// NewManager creates a checkpoint Manager.
func NewManager(cfg *Config, storage *Storage) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	return &Manager{
		config:  cfg,
		storage: storage,
		seqs:    make(map[ident.IntentID]uint64),
		index:   make(map[string]indexEntry),
	}
}

// IsEnabled returns whether checkpointing is enabled.
func (m *Manager) IsEnabled() bool { return m.config.IsEnabled() }

// Create captures a checkpoint of the given roots and variables before a
// step runs.
func (m *Manager) Create(ctx context.Context, intentID ident.IntentID, stepID ident.StepID, roots []string, variables map[string]string) (*Checkpoint, error) {
	if !m.IsEnabled() {
		return nil, nil
	}

	snap := snapshot.Capture(roots, variables)

	backups := make(map[string][]byte)
	for path, state := range snap.Files {
		if !state.Exists || state.Size > m.config.MaxBackupBytes {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		backups[path] = data
	}

	m.mu.Lock()
	m.seqs[intentID]++
	seq := m.seqs[intentID]
	m.mu.Unlock()

	cp := &Checkpoint{
		ID:           uuid.New().String(),
		IntentID:     intentID,
		StepID:       stepID,
		Seq:          seq,
		Roots:        roots,
		Snapshot:     snap,
		Backups:      backups,
		Variables:    variables,
		SafeRollback: true,
		Timestamp:    time.Now(),
	}

	if err := m.storage.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	m.mu.Lock()
	m.index[cp.ID] = indexEntry{intentID: intentID, seq: seq}
	m.mu.Unlock()

	return cp, nil
}

// MarkUnsafe records that a step produced side effects the manager cannot
// undo. Rollback to this checkpoint becomes best-effort.
func (m *Manager) MarkUnsafe(ctx context.Context, checkpointID string) error {
	cp, err := m.lookup(ctx, checkpointID)
	if err != nil {
		return err
	}
	cp.SafeRollback = false
	return m.storage.Save(ctx, cp)
}

// RollbackTo restores the state captured by the checkpoint: files created
// since are removed, modified or deleted files are restored from backups.
// The report lists what could not be undone.
func (m *Manager) RollbackTo(ctx context.Context, checkpointID string) (*RollbackReport, error) {
	cp, err := m.lookup(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	report := &RollbackReport{
		CheckpointID: cp.ID,
		Safe:         cp.SafeRollback,
	}

	// Current state of the same roots the checkpoint observed.
	roots := cp.Roots
	if len(roots) == 0 {
		for path := range cp.Snapshot.Files {
			roots = append(roots, path)
		}
	}
	current := snapshot.Capture(roots, nil)

	for path, now := range current.Files {
		then, known := cp.Snapshot.Files[path]
		switch {
		case now.Exists && (!known || !then.Exists):
			// Created since the checkpoint: remove.
			if err := os.Remove(path); err != nil {
				report.Failed = append(report.Failed, path)
			} else {
				report.Removed = append(report.Removed, path)
			}
		case now.Exists && then.Exists && now.Hash != then.Hash:
			// Modified since: restore the backup.
			if data, ok := cp.Backups[path]; ok {
				if err := os.WriteFile(path, data, 0644); err != nil {
					report.Failed = append(report.Failed, path)
				} else {
					report.Restored = append(report.Restored, path)
				}
			} else {
				report.Failed = append(report.Failed, path)
			}
		}
	}
	for path, then := range cp.Snapshot.Files {
		if !then.Exists {
			continue
		}
		if now, ok := current.Files[path]; !ok || !now.Exists {
			// Deleted since: restore the backup.
			if data, ok := cp.Backups[path]; ok {
				if err := os.WriteFile(path, data, 0644); err != nil {
					report.Failed = append(report.Failed, path)
				} else {
					report.Restored = append(report.Restored, path)
				}
			} else {
				report.Failed = append(report.Failed, path)
			}
		}
	}

	slog.Info("checkpoint: rolled back",
		"checkpoint", cp.ID,
		"intent", cp.IntentID,
		"removed", len(report.Removed),
		"restored", len(report.Restored),
		"failed", len(report.Failed),
		"safe", report.Safe)

	return report, nil
}

// Release marks an intent's checkpoints for retention expiry.
func (m *Manager) Release(ctx context.Context, intentID ident.IntentID) error {
	checkpoints, err := m.storage.ListByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, cp := range checkpoints {
		cp.ReleasedAt = &now
		if err := m.storage.Save(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes released checkpoints past their retention.
func (m *Manager) Sweep(ctx context.Context, intentID ident.IntentID) error {
	checkpoints, err := m.storage.ListByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	for _, cp := range checkpoints {
		if cp.ReleasedAt == nil {
			continue
		}
		if time.Since(*cp.ReleasedAt) < m.config.Retention {
			continue
		}
		if err := m.storage.Delete(ctx, cp.IntentID, cp.Seq); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.index, cp.ID)
		m.mu.Unlock()
	}
	return nil
}

// First returns the earliest checkpoint for an intent, or nil. Restoring
// it undoes everything the intent's steps changed.
func (m *Manager) First(ctx context.Context, intentID ident.IntentID) (*Checkpoint, error) {
	checkpoints, err := m.storage.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return checkpoints[0], nil
}

// Latest returns the most recent checkpoint for an intent, or nil.
func (m *Manager) Latest(ctx context.Context, intentID ident.IntentID) (*Checkpoint, error) {
	checkpoints, err := m.storage.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return checkpoints[len(checkpoints)-1], nil
}

func (m *Manager) lookup(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	entry, ok := m.index[checkpointID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", checkpointID)
	}
	return m.storage.Load(ctx, entry.intentID, entry.seq)
}
