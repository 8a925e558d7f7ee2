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

// Package jobs implements job admission and read-side job queries.
package jobs

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/gate"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/internal/state"
	"github.com/tombee/leaderboard/pkg/errors"
)

// Defaults applied when bundle metadata does not name the files.
const (
	defaultEntrypoint = "main.py"
	defaultConfigFile = "config.yaml"
)

// Results is the tracking outcome of a finished job.
type Results struct {
	JobID    string `json:"job_id"`
	RunID    string `json:"run_id"`
	UILink   string `json:"mlflow_ui_link"`
	RESTLink string `json:"mlflow_rest_link"`
}

// Service implements admission and job queries.
type Service struct {
	bundles        bundle.Store
	state          state.Store
	queue          queue.Queue
	gate           gate.Gate
	maxRate        int
	maxConcurrency int
	trackingURI    string
	logger         *slog.Logger
}

// NewService creates a jobs service.
func NewService(bundles bundle.Store, st state.Store, q queue.Queue, g gate.Gate,
	maxRate, maxConcurrency int, trackingURI string, logger *slog.Logger) *Service {
	return &Service{
		bundles:        bundles,
		state:          st,
		queue:          q,
		gate:           g,
		maxRate:        maxRate,
		maxConcurrency: maxConcurrency,
		trackingURI:    strings.TrimRight(trackingURI, "/"),
		logger:         logger,
	}
}

func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Enqueue admits one job for the bundle. Every failure past the gate
// releases the consumed hourly slot: admission either yields a queued
// PENDING job or leaves the counters where they were.
func (s *Service) Enqueue(ctx context.Context, sid, userID string, config map[string]any) (string, error) {
	if !s.bundles.Exists(sid) {
		return "", &errors.NotFoundError{Resource: "submission", ID: sid}
	}

	meta, err := s.bundles.Metadata(sid)
	if err != nil {
		return "", err
	}
	entrypoint := meta.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoint
	}
	configFile := meta.ConfigFile
	if configFile == "" {
		configFile = defaultConfigFile
	}

	admitted, err := s.gate.TryAdmit(ctx, userID, s.maxConcurrency, s.maxRate)
	if err != nil {
		return "", err
	}
	if !admitted {
		running, err := s.state.CountRunning(ctx, userID)
		if err != nil {
			return "", err
		}
		if running >= s.maxConcurrency {
			return "", &errors.ConcurrencyError{UserID: userID, Limit: s.maxConcurrency}
		}
		return "", &errors.RateLimitError{UserID: userID, Limit: s.maxRate}
	}

	// A slot is consumed from here on; every failure path gives it back.
	if !s.bundles.ValidateEntrypoint(sid, entrypoint) {
		return "", s.rollback(ctx, userID, &errors.IncompleteError{Missing: entrypoint})
	}
	if !meta.HasFile(configFile) {
		return "", s.rollback(ctx, userID, &errors.IncompleteError{Missing: configFile})
	}

	jid := newID()
	if err := s.state.Create(ctx, jid, sid, userID); err != nil {
		return "", s.rollback(ctx, userID, err)
	}

	msg := &queue.Message{
		JobID:        jid,
		SubmissionID: sid,
		Entrypoint:   entrypoint,
		ConfigFile:   configFile,
		Config:       config,
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		if uerr := s.state.Update(ctx, jid, state.StatusFailed, map[string]string{"error": "Queue enqueue failed"}); uerr != nil {
			s.logger.Error("failed to mark job failed after enqueue error",
				slog.String("job_id", jid), slog.String("error", uerr.Error()))
		}
		return "", s.rollback(ctx, userID, err)
	}

	s.logger.Info("job enqueued",
		slog.String("job_id", jid),
		slog.String("submission_id", sid),
		slog.String("user_id", userID))
	return jid, nil
}

// rollback releases the hourly slot and returns cause, never masking
// it with a rollback failure.
func (s *Service) rollback(ctx context.Context, userID string, cause error) error {
	if err := s.gate.DecrHourly(ctx, userID); err != nil {
		s.logger.Error("failed to release hourly slot",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	return cause
}

// Status returns the job record, or nil if it does not exist.
func (s *Service) Status(ctx context.Context, jid string) (*state.Record, error) {
	return s.state.Get(ctx, jid)
}

// Logs returns the job log, optionally only the last tailLines lines.
// A missing log file reads as empty.
func (s *Service) Logs(jid string, tailLines int) (string, error) {
	text, err := s.bundles.Logs(jid, tailLines)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return text, nil
}

// GetResults returns the tracking links for a finished job.
func (s *Service) GetResults(ctx context.Context, jid string) (*Results, error) {
	rec, err := s.state.Get(ctx, jid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &errors.NotFoundError{Resource: "job", ID: jid}
	}

	res := &Results{JobID: jid, RunID: rec.RunID}
	if rec.RunID != "" {
		res.UILink = fmt.Sprintf("%s/#/experiments/1/runs/%s", s.trackingURI, rec.RunID)
		res.RESTLink = fmt.Sprintf("%s/api/2.0/mlflow/runs/get?run_id=%s", s.trackingURI, rec.RunID)
	}
	return res, nil
}
