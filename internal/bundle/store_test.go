// Copyright 2025 Tom Barlow
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

package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/leaderboard/pkg/errors"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(filepath.Join(t.TempDir(), "submissions"), filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)
	return store
}

func createTestBundle(t *testing.T, store *FSStore, sid, userID string) {
	t.Helper()
	err := store.Create(sid, []Upload{
		{Name: "main.py", Data: []byte("print('hi')\n")},
		{Name: "config.yaml", Data: []byte("batch_size: 1\n")},
	}, Metadata{
		UserID:     userID,
		Entrypoint: "main.py",
		ConfigFile: "config.yaml",
	})
	require.NoError(t, err)
}

func TestFSStoreCreateAndMetadata(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	assert.True(t, store.Exists("sid1"))
	assert.False(t, store.Exists("sid2"))

	meta, err := store.Metadata("sid1")
	require.NoError(t, err)
	assert.Equal(t, "alice", meta.UserID)
	assert.Equal(t, "main.py", meta.Entrypoint)
	assert.Equal(t, "config.yaml", meta.ConfigFile)
	assert.ElementsMatch(t, []string{"main.py", "config.yaml"}, meta.Files)

	// Every listed file is present on disk.
	for _, name := range meta.Files {
		_, err := os.Stat(filepath.Join(store.Dir("sid1"), name))
		assert.NoError(t, err)
	}
}

func TestFSStoreMetadataNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Metadata("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestFSStoreAppend(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	info, err := store.Append("sid1", []byte("data"), "extra.yaml", "alice")
	require.NoError(t, err)
	assert.Equal(t, "extra.yaml", info.Filename)
	assert.Equal(t, int64(4), info.Size)

	meta, err := store.Metadata("sid1")
	require.NoError(t, err)
	assert.Contains(t, meta.Files, "extra.yaml")
}

func TestFSStoreAppendErrors(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	tests := []struct {
		name     string
		sid      string
		filename string
		userID   string
		check    func(error) bool
	}{
		{"unknown submission", "nope", "extra.yaml", "alice", errors.IsNotFound},
		{"wrong owner", "sid1", "extra.yaml", "bob", errors.IsOwnership},
		{"duplicate", "sid1", "main.py", "alice", errors.IsDuplicate},
		{"traversal", "sid1", "../escape.py", "alice", errors.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(tt.sid, []byte("x"), tt.filename, tt.userID)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)
		})
	}

	// Failed appends leave the listing unchanged.
	meta, err := store.Metadata("sid1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.py", "config.yaml"}, meta.Files)
}

func TestFSStoreList(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	files, err := store.List("sid1", "alice")
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.NotEmpty(t, f.Filename)
		assert.Greater(t, f.Size, int64(0))
		assert.NotEmpty(t, f.UploadedAt)
	}

	_, err = store.List("sid1", "bob")
	assert.True(t, errors.IsOwnership(err))
}

func TestFSStoreListSkipsMissingFiles(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	require.NoError(t, os.Remove(filepath.Join(store.Dir("sid1"), "config.yaml")))

	files, err := store.List("sid1", "alice")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "main.py", files[0].Filename)
}

func TestFSStoreValidateEntrypoint(t *testing.T) {
	store := newTestStore(t)
	createTestBundle(t, store, "sid1", "alice")

	assert.True(t, store.ValidateEntrypoint("sid1", "main.py"))
	assert.False(t, store.ValidateEntrypoint("sid1", "missing.py"))
	assert.False(t, store.ValidateEntrypoint("sid1", "config.yaml"))
	assert.False(t, store.ValidateEntrypoint("sid1", "../main.py"))
}

func TestFSStoreLogs(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Logs("jid1", 0)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, os.WriteFile(store.LogPath("jid1"), []byte("a\nb\nc\n"), 0o644))

	text, err := store.Logs("jid1", 0)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", text)

	text, err = store.Logs("jid1", 2)
	require.NoError(t, err)
	assert.Equal(t, "b\nc\n", text)
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want string
	}{
		{"zero returns all", "a\nb\nc\n", 0, "a\nb\nc\n"},
		{"last two", "a\nb\nc\n", 2, "b\nc\n"},
		{"more than available", "a\nb\n", 10, "a\nb\n"},
		{"no trailing newline", "a\nb\nc", 2, "b\nc"},
		{"empty", "", 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tail(tt.text, tt.n))
		})
	}
}

func TestMetadataRoundTripExtra(t *testing.T) {
	store := newTestStore(t)
	err := store.Create("sid1", []Upload{{Name: "main.py", Data: []byte("x")}}, Metadata{
		UserID:     "alice",
		Entrypoint: "main.py",
		ConfigFile: "config.yaml",
		Extra:      map[string]string{"team": "blue", "note": "first try"},
	})
	require.NoError(t, err)

	meta, err := store.Metadata("sid1")
	require.NoError(t, err)
	assert.Equal(t, "blue", meta.Extra["team"])
	assert.Equal(t, "first try", meta.Extra["note"])
}
