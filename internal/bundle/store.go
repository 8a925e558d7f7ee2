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

// Package bundle implements the filesystem submission store.
//
// Each bundle lives in its own directory under the submissions root,
// holding the uploaded files plus a metadata.json written last. Writers
// take an exclusive advisory lock on metadata.json; readers take a
// shared lock. Incremental uploads go through a temp file and an atomic
// rename so a crash never leaves a listed-but-missing file.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/leaderboard/pkg/errors"
)

// Upload is a named payload for bundle creation.
type Upload struct {
	Name string
	Data []byte
}

// FileInfo describes one listed bundle file.
type FileInfo struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploaded_at"`
}

// Store is the capability interface over bundle content and job logs.
type Store interface {
	// Create writes all files then metadata.json last.
	Create(sid string, files []Upload, meta Metadata) error

	// Append adds one file to an existing bundle under an exclusive
	// metadata lock, verifying ownership and refusing duplicates.
	Append(sid string, data []byte, filename, userID string) (FileInfo, error)

	// List returns the listed files that exist on disk.
	List(sid, userID string) ([]FileInfo, error)

	// Exists reports whether the bundle directory exists.
	Exists(sid string) bool

	// Metadata reads metadata.json under a shared lock.
	Metadata(sid string) (*Metadata, error)

	// ValidateEntrypoint reports whether path is a plain .py basename
	// that exists inside the bundle.
	ValidateEntrypoint(sid, path string) bool

	// Dir returns the bundle directory path.
	Dir(sid string) string

	// Logs returns the job log text, optionally only the last
	// tailLines newline-counted lines.
	Logs(jobID string, tailLines int) (string, error)

	// LogPath returns the path a job's log is written to.
	LogPath(jobID string) string
}

// FSStore is the production filesystem Store.
type FSStore struct {
	submissionsRoot string
	logsRoot        string
}

// NewFSStore creates a filesystem store, creating both roots if needed.
func NewFSStore(submissionsRoot, logsRoot string) (*FSStore, error) {
	if err := os.MkdirAll(submissionsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create submissions root: %w", err)
	}
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs root: %w", err)
	}
	return &FSStore{submissionsRoot: submissionsRoot, logsRoot: logsRoot}, nil
}

// Dir returns the bundle directory path.
func (s *FSStore) Dir(sid string) string {
	return filepath.Join(s.submissionsRoot, sid)
}

// LogPath returns the path a job's log is written to.
func (s *FSStore) LogPath(jobID string) string {
	return filepath.Join(s.logsRoot, jobID+".log")
}

// Exists reports whether the bundle directory exists.
func (s *FSStore) Exists(sid string) bool {
	info, err := os.Stat(s.Dir(sid))
	return err == nil && info.IsDir()
}

func (s *FSStore) metadataPath(sid string) string {
	return filepath.Join(s.Dir(sid), "metadata.json")
}

// Create writes every upload into a fresh bundle directory, then
// metadata.json last so a partially written bundle is never listed.
func (s *FSStore) Create(sid string, files []Upload, meta Metadata) error {
	dir := s.Dir(sid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}

	for _, f := range files {
		if err := CheckFilename(f.Name); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
		if !meta.HasFile(f.Name) {
			meta.Files = append(meta.Files, f.Name)
		}
	}

	return s.writeMetadata(s.metadataPath(sid), &meta)
}

// writeMetadata rewrites metadata.json and fsyncs it.
func (s *FSStore) writeMetadata(path string, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return f.Sync()
}

// Metadata reads metadata.json under a shared lock.
func (s *FSStore) Metadata(sid string) (*Metadata, error) {
	f, err := os.Open(s.metadataPath(sid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "submission", ID: sid}
		}
		return nil, err
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		return nil, fmt.Errorf("failed to lock metadata: %w", err)
	}
	defer unlock(f)

	var meta Metadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &meta, nil
}

// Append adds one file to an existing bundle. The payload is written to
// a temp file in the bundle directory, renamed over the target, and the
// metadata rewrite is fsynced while the exclusive lock is held. If the
// metadata rewrite fails the target file is removed again.
func (s *FSStore) Append(sid string, data []byte, filename, userID string) (FileInfo, error) {
	dir := s.Dir(sid)
	if !s.Exists(sid) {
		return FileInfo{}, &errors.NotFoundError{Resource: "submission", ID: sid}
	}

	if err := CheckFilename(filename); err != nil {
		return FileInfo{}, err
	}

	mf, err := os.OpenFile(s.metadataPath(sid), os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, &errors.NotFoundError{Resource: "submission", ID: sid}
		}
		return FileInfo{}, err
	}
	defer mf.Close()

	if err := lockExclusive(mf); err != nil {
		return FileInfo{}, fmt.Errorf("failed to lock metadata: %w", err)
	}
	defer unlock(mf)

	var meta Metadata
	if err := json.NewDecoder(mf).Decode(&meta); err != nil {
		return FileInfo{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if meta.UserID != userID {
		return FileInfo{}, &errors.OwnershipError{UserID: userID, SubmissionID: sid}
	}
	if meta.HasFile(filename) {
		return FileInfo{}, &errors.DuplicateError{Filename: filename, SubmissionID: sid}
	}

	target := filepath.Join(dir, filename)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return FileInfo{}, fmt.Errorf("failed to move payload into place: %w", err)
	}

	meta.Files = append(meta.Files, filename)
	if err := s.rewriteLocked(mf, &meta); err != nil {
		// Keep listing and disk consistent: the new file is present
		// only if the metadata update succeeded.
		os.Remove(target)
		return FileInfo{}, err
	}

	return FileInfo{
		Filename:   filename,
		Size:       int64(len(data)),
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// rewriteLocked overwrites an already locked metadata file in place.
func (s *FSStore) rewriteLocked(f *os.File, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		return err
	}
	return f.Sync()
}

// List returns listed files that exist on disk, with sizes and
// modification times.
func (s *FSStore) List(sid, userID string) ([]FileInfo, error) {
	meta, err := s.Metadata(sid)
	if err != nil {
		return nil, err
	}
	if meta.UserID != userID {
		return nil, &errors.OwnershipError{UserID: userID, SubmissionID: sid}
	}

	dir := s.Dir(sid)
	infos := make([]FileInfo, 0, len(meta.Files))
	for _, name := range meta.Files {
		stat, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Filename:   name,
			Size:       stat.Size(),
			UploadedAt: stat.ModTime().UTC().Format(time.RFC3339),
		})
	}
	return infos, nil
}

// ValidateEntrypoint reports whether path is a plain .py basename that
// exists inside the bundle.
func (s *FSStore) ValidateEntrypoint(sid, path string) bool {
	if CheckFilename(path) != nil {
		return false
	}
	if !strings.HasSuffix(path, ".py") {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Dir(sid), path))
	return err == nil
}

// Logs returns the job log text, optionally only the last tailLines
// newline-counted lines.
func (s *FSStore) Logs(jobID string, tailLines int) (string, error) {
	data, err := os.ReadFile(s.LogPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &errors.NotFoundError{Resource: "log", ID: jobID}
		}
		return "", err
	}
	return Tail(string(data), tailLines), nil
}

// Tail returns the last n lines of text, counting lines by '\n'.
// n <= 0 returns the full text.
func Tail(text string, n int) string {
	if n <= 0 || text == "" {
		return text
	}
	trailing := strings.HasSuffix(text, "\n")
	body := strings.TrimSuffix(text, "\n")
	lines := strings.Split(body, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}
