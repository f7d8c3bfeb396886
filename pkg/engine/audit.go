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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/store"
)

// auditRecord is one persisted audit entry.
type auditRecord struct {
	Seq       uint64         `json:"seq"`
	IntentID  ident.IntentID `json:"intent_id"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// auditor appends audit records with strictly monotonic per-intent
// sequence numbers.
type auditor struct {
	store store.Store

	mu   sync.Mutex
	seqs map[ident.IntentID]uint64
}

func newAuditor(s store.Store) *auditor {
	return &auditor{store: s, seqs: make(map[ident.IntentID]uint64)}
}

// record persists an audit entry. Audit failures are logged, never fatal:
// the audit trail must not take down the execution it documents.
func (a *auditor) record(ctx context.Context, intentID ident.IntentID, action string, detail map[string]any) {
	a.mu.Lock()
	a.seqs[intentID]++
	seq := a.seqs[intentID]
	a.mu.Unlock()

	rec := auditRecord{
		Seq:       seq,
		IntentID:  intentID,
		Action:    action,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("engine: failed to encode audit record", "error", err)
		return
	}
	key := fmt.Sprintf("%s%s/%012d", store.PrefixAudit, intentID, seq)
	if err := a.store.Put(ctx, key, data); err != nil {
		slog.Warn("engine: failed to persist audit record",
			"intent", intentID, "seq", seq, "error", err)
	}
}
