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

// Package checkpoint captures rollback points before each step and restores
// them when recovery demands it.
//
// A checkpoint holds the pre-step snapshot plus content backups of the
// files that existed at capture time. Rolling back removes files created
// since, restores backed-up content, and reports anything it could not
// undo. Side effects the manager cannot compensate (external network
// writes, detached processes) mark the checkpoint unsafe; rollback is then
// best-effort.
package checkpoint

import (
	"time"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/snapshot"
)

// Checkpoint is one rollback point, sequential per intent.
type Checkpoint struct {
	ID       string         `json:"id"`
	IntentID ident.IntentID `json:"intent_id"`
	StepID   ident.StepID   `json:"step_id"`
	Seq      uint64         `json:"seq"`

	// Roots are the paths the snapshot observed; rollback re-walks them.
	Roots []string `json:"roots,omitempty"`

	// Snapshot is the observable state at capture time.
	Snapshot *snapshot.Snapshot `json:"snapshot"`

	// Backups holds the content of files that existed at capture time,
	// keyed by path.
	Backups map[string][]byte `json:"backups,omitempty"`

	// Variables is the step context's variable view at capture time.
	Variables map[string]string `json:"variables,omitempty"`

	// SafeRollback is false once side effects the manager cannot undo have
	// been observed.
	SafeRollback bool `json:"safe_rollback"`

	Timestamp time.Time `json:"timestamp"`

	// ReleasedAt is set when the owning intent terminates; the retention
	// sweep removes the checkpoint afterwards.
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// RollbackReport describes what a restore actually did.
type RollbackReport struct {
	CheckpointID string   `json:"checkpoint_id"`
	Safe         bool     `json:"safe"`
	Removed      []string `json:"removed,omitempty"`
	Restored     []string `json:"restored,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

// Complete reports whether the restore fully succeeded.
func (r *RollbackReport) Complete() bool {
	return r.Safe && len(r.Failed) == 0
}
