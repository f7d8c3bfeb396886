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

// Package snapshot captures observable state before and after a step.
//
// A snapshot records file states under the context's allowed paths and
// context variables. It also carries process and connection lists, which
// are hashed when set; Capture does not fill them. Two snapshots diff into
// the created/modified/deleted sets the filesystem verifier asserts against.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// FileState describes one file at capture time.
type FileState struct {
	Exists  bool      `json:"exists"`
	Hash    string    `json:"hash,omitempty"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mtime,omitempty"`
}

// Snapshot is a point-in-time capture of observable state.
type Snapshot struct {
	Files       map[string]FileState `json:"files"`
	Variables   map[string]string    `json:"variables"`
	Processes   []string             `json:"processes,omitempty"`
	Connections []string             `json:"connections,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Diff is the difference between two snapshots.
type Diff struct {
	Created  []string `json:"created"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// maxHashedFileSize bounds the content read per file. Larger files record
// size and mtime only.
const maxHashedFileSize = 32 << 20

// Capture walks the given roots and records file states plus the supplied
// variables. Missing roots are recorded as non-existent, not errors.
func Capture(roots []string, variables map[string]string) *Snapshot {
	snap := &Snapshot{
		Files:     make(map[string]FileState),
		Variables: make(map[string]string, len(variables)),
		Timestamp: time.Now(),
	}
	for k, v := range variables {
		snap.Variables[k] = v
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			snap.Files[filepath.Clean(root)] = FileState{Exists: false}
			continue
		}
		if !info.IsDir() {
			snap.Files[filepath.Clean(root)] = captureFile(root, info)
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			snap.Files[filepath.Clean(path)] = captureFile(path, info)
			return nil
		})
	}

	return snap
}

func captureFile(path string, info fs.FileInfo) FileState {
	state := FileState{
		Exists:  true,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}
	if info.Size() <= maxHashedFileSize {
		if data, err := os.ReadFile(path); err == nil {
			sum := blake2b.Sum256(data)
			state.Hash = hex.EncodeToString(sum[:])
		}
	}
	return state
}

// Compare diffs pre against post. Paths absent from pre but present in post
// are created; present in both with differing hash or size are modified;
// present in pre but gone in post are deleted.
func Compare(pre, post *Snapshot) Diff {
	var diff Diff

	for path, after := range post.Files {
		before, seen := pre.Files[path]
		switch {
		case (!seen || !before.Exists) && after.Exists:
			diff.Created = append(diff.Created, path)
		case seen && before.Exists && after.Exists && (before.Hash != after.Hash || before.Size != after.Size):
			diff.Modified = append(diff.Modified, path)
		case seen && before.Exists && !after.Exists:
			diff.Deleted = append(diff.Deleted, path)
		}
	}
	for path, before := range pre.Files {
		if _, seen := post.Files[path]; !seen && before.Exists {
			diff.Deleted = append(diff.Deleted, path)
		}
	}

	sort.Strings(diff.Created)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Deleted)
	return diff
}

// Hash returns the canonical BLAKE2b-256 digest of the snapshot. The
// timestamp is excluded so that identical observable state hashes
// identically regardless of when it was captured.
func (s *Snapshot) Hash() string {
	canonical := struct {
		Files       map[string]FileState `json:"files"`
		Variables   map[string]string    `json:"variables"`
		Processes   []string             `json:"processes,omitempty"`
		Connections []string             `json:"connections,omitempty"`
	}{
		Files:       s.Files,
		Variables:   s.Variables,
		Processes:   append([]string(nil), s.Processes...),
		Connections: append([]string(nil), s.Connections...),
	}
	sort.Strings(canonical.Processes)
	sort.Strings(canonical.Connections)

	// encoding/json writes map keys in sorted order, which makes the
	// encoding canonical.
	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
