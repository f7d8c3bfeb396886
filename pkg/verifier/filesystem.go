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

package verifier

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/covenant/pkg/snapshot"
)

// FileSystemExpectation is the decoded expectation of a filesystem
// verifier.
type FileSystemExpectation struct {
	// Exists lists paths that must exist after the step.
	Exists []string `mapstructure:"exists"`

	// Absent lists paths that must not exist after the step.
	Absent []string `mapstructure:"absent"`

	// ContentHash maps path to the expected BLAKE2b-256 content hash.
	ContentHash map[string]string `mapstructure:"content_hash"`

	// MinSize and MaxSize bound file sizes, keyed by path.
	MinSize map[string]int64 `mapstructure:"min_size"`
	MaxSize map[string]int64 `mapstructure:"max_size"`

	// Created, Modified and Deleted assert the exact diff sets. Nil means
	// "don't care"; an empty list asserts no such change.
	Created  []string `mapstructure:"created"`
	Modified []string `mapstructure:"modified"`
	Deleted  []string `mapstructure:"deleted"`
}

// FileSystemVerifier diffs the pre and post snapshots and asserts the
// declared filesystem effects.
type FileSystemVerifier struct{}

// NewFileSystemVerifier creates a filesystem verifier.
func NewFileSystemVerifier() *FileSystemVerifier { return &FileSystemVerifier{} }

// Kind identifies the verifier.
func (v *FileSystemVerifier) Kind() Type { return TypeFileSystem }

// Verify checks the snapshot diff against the expectation.
func (v *FileSystemVerifier) Verify(_ context.Context, input Input) (Outcome, error) {
	if input.Pre == nil || input.Post == nil {
		return Outcome{}, fmt.Errorf("filesystem verifier requires pre and post snapshots")
	}

	var expected FileSystemExpectation
	if err := mapstructure.Decode(input.Expected, &expected); err != nil {
		return Outcome{}, fmt.Errorf("invalid filesystem expectation: %w", err)
	}

	diff := snapshot.Compare(input.Pre, input.Post)

	affected := map[string]any{}
	for _, path := range diff.Created {
		affected[path] = map[string]any{"change": "created", "hash": input.Post.Files[path].Hash}
	}
	for _, path := range diff.Modified {
		affected[path] = map[string]any{"change": "modified", "hash": input.Post.Files[path].Hash}
	}
	for _, path := range diff.Deleted {
		affected[path] = map[string]any{"change": "deleted"}
	}
	evidence := map[string]any{
		"created":  diff.Created,
		"modified": diff.Modified,
		"deleted":  diff.Deleted,
		"affected": affected,
	}

	fail := func(reason string) (Outcome, error) {
		return finish(Outcome{Passed: false, Reason: reason, Evidence: evidence}), nil
	}

	for _, path := range expected.Exists {
		state, ok := input.Post.Files[filepath.Clean(path)]
		if !ok || !state.Exists {
			return fail(fmt.Sprintf("expected %s to exist", path))
		}
	}
	for _, path := range expected.Absent {
		if state, ok := input.Post.Files[filepath.Clean(path)]; ok && state.Exists {
			return fail(fmt.Sprintf("expected %s to be absent", path))
		}
	}
	for _, path := range sortedKeys(expected.ContentHash) {
		state, ok := input.Post.Files[filepath.Clean(path)]
		if !ok || !state.Exists {
			return fail(fmt.Sprintf("expected %s to exist for content check", path))
		}
		if state.Hash != expected.ContentHash[path] {
			return fail(fmt.Sprintf("content hash mismatch for %s", path))
		}
	}
	for _, path := range sortedKeys(expected.MinSize) {
		state := input.Post.Files[filepath.Clean(path)]
		if !state.Exists || state.Size < expected.MinSize[path] {
			return fail(fmt.Sprintf("%s smaller than %d bytes", path, expected.MinSize[path]))
		}
	}
	for _, path := range sortedKeys(expected.MaxSize) {
		state := input.Post.Files[filepath.Clean(path)]
		if state.Exists && state.Size > expected.MaxSize[path] {
			return fail(fmt.Sprintf("%s larger than %d bytes", path, expected.MaxSize[path]))
		}
	}
	if expected.Created != nil && !sameSet(expected.Created, diff.Created) {
		return fail(fmt.Sprintf("created set %v, expected %v", diff.Created, expected.Created))
	}
	if expected.Modified != nil && !sameSet(expected.Modified, diff.Modified) {
		return fail(fmt.Sprintf("modified set %v, expected %v", diff.Modified, expected.Modified))
	}
	if expected.Deleted != nil && !sameSet(expected.Deleted, diff.Deleted) {
		return fail(fmt.Sprintf("deleted set %v, expected %v", diff.Deleted, expected.Deleted))
	}

	return finish(Outcome{Passed: true, Evidence: evidence}), nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[filepath.Clean(s)] = true
	}
	for _, s := range b {
		if !set[filepath.Clean(s)] {
			return false
		}
	}
	return true
}
