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

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture_RecordsFilesAndVariables(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))

	snap := Capture([]string{dir}, map[string]string{"stage": "pre"})

	state, ok := snap.Files[filepath.Join(dir, "a.txt")]
	require.True(t, ok)
	assert.True(t, state.Exists)
	assert.NotEmpty(t, state.Hash)
	assert.EqualValues(t, 5, state.Size)
	assert.Equal(t, "pre", snap.Variables["stage"])
}

func TestCapture_MissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	snap := Capture([]string{missing}, nil)

	state, ok := snap.Files[missing]
	require.True(t, ok)
	assert.False(t, state.Exists)
}

func TestCompare_CreatedModifiedDeleted(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	gone := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(keep, []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(gone, []byte("x"), 0644))

	pre := Capture([]string{dir}, nil)

	require.NoError(t, os.WriteFile(keep, []byte("v2!"), 0644))
	require.NoError(t, os.Remove(gone))
	created := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(created, []byte("n"), 0644))

	post := Capture([]string{dir}, nil)
	diff := Compare(pre, post)

	assert.Equal(t, []string{created}, diff.Created)
	assert.Equal(t, []string{keep}, diff.Modified)
	assert.Equal(t, []string{gone}, diff.Deleted)
	assert.False(t, diff.Empty())
}

func TestHash_StableAcrossTimestamps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("same"), 0644))

	first := Capture([]string{dir}, map[string]string{"k": "v"})
	second := Capture([]string{dir}, map[string]string{"k": "v"})

	// Timestamps differ; observable state does not.
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestHash_ChangesWithState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	before := Capture([]string{dir}, nil).Hash()

	require.NoError(t, os.WriteFile(path, []byte("two"), 0644))
	after := Capture([]string{dir}, nil).Hash()

	assert.NotEqual(t, before, after)
}
