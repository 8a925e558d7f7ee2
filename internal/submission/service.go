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

// Package submission implements bundle creation and incremental
// upload on top of the bundle store.
package submission

import (
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/pkg/errors"
)

// Defaults applied when a bundle is created without explicit names.
const (
	DefaultEntrypoint = "main.py"
	DefaultConfigFile = "config.yaml"
)

// Service implements the submission operations.
type Service struct {
	store  bundle.Store
	logger *slog.Logger
}

// NewService creates a submission service.
func NewService(store bundle.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Create validates and persists a new bundle, returning its id.
func (s *Service) Create(userID, entrypoint, configFile string, files []bundle.Upload, extra map[string]string) (string, error) {
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}
	if configFile == "" {
		configFile = DefaultConfigFile
	}

	if err := bundle.CheckFilename(entrypoint); err != nil {
		return "", err
	}
	if !strings.HasSuffix(entrypoint, ".py") {
		return "", &errors.ValidationError{Field: "entrypoint", Message: "entrypoint must be a .py file"}
	}
	if err := bundle.CheckFilename(configFile); err != nil {
		return "", err
	}

	for _, f := range files {
		if err := bundle.CheckName(f.Name); err != nil {
			return "", err
		}
		if int64(len(f.Data)) > bundle.MaxFileSize {
			return "", &errors.TooLargeError{
				Filename: f.Name,
				Size:     int64(len(f.Data)),
				Limit:    bundle.MaxFileSize,
			}
		}
	}

	sid := newID()
	meta := bundle.Metadata{
		UserID:     userID,
		Entrypoint: entrypoint,
		ConfigFile: configFile,
		Extra:      extra,
	}
	if err := s.store.Create(sid, files, meta); err != nil {
		return "", err
	}

	s.logger.Info("submission created",
		slog.String("submission_id", sid),
		slog.String("user_id", userID),
		slog.Int("files", len(files)))
	return sid, nil
}

// AddFile appends one file to an existing bundle.
func (s *Service) AddFile(sid, userID, filename string, data []byte) (bundle.FileInfo, error) {
	if !s.store.Exists(sid) {
		return bundle.FileInfo{}, &errors.NotFoundError{Resource: "submission", ID: sid}
	}
	if int64(len(data)) > bundle.MaxFileSize {
		return bundle.FileInfo{}, &errors.TooLargeError{
			Filename: filename,
			Size:     int64(len(data)),
			Limit:    bundle.MaxFileSize,
		}
	}
	if err := bundle.CheckName(filename); err != nil {
		return bundle.FileInfo{}, err
	}

	info, err := s.store.Append(sid, data, filename, userID)
	if err != nil {
		return bundle.FileInfo{}, err
	}

	s.logger.Info("file added",
		slog.String("submission_id", sid),
		slog.String("user_id", userID),
		slog.String("filename", filename),
		slog.Int64("size", info.Size))
	return info, nil
}

// List returns the files of a bundle owned by userID.
func (s *Service) List(sid, userID string) ([]bundle.FileInfo, error) {
	return s.store.List(sid, userID)
}
