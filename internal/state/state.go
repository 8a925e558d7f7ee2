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

// Package state persists per-job records and the per-user running
// counter.
package state

import (
	"context"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the status is terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the persisted state of a single execution attempt.
type Record struct {
	JobID        string `json:"job_id"`
	SubmissionID string `json:"submission_id"`
	UserID       string `json:"user_id"`
	Status       Status `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	RunID        string `json:"run_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Retention periods.
const (
	// RecordTTL bounds job record retention.
	RecordTTL = 90 * 24 * time.Hour

	// RunningCounterTTL bounds the per-user running counter; the
	// authoritative value is the count of RUNNING records.
	RunningCounterTTL = 24 * time.Hour
)

// Store is the capability interface over job records.
type Store interface {
	// Create writes a fresh PENDING record with both timestamps set.
	Create(ctx context.Context, jobID, submissionID, userID string) error

	// Update sets the status, refreshes updated_at, and merges extra
	// fields (updated_at itself is never overridable). Transitions
	// into and out of RUNNING maintain the owner's running counter.
	Update(ctx context.Context, jobID string, status Status, extra map[string]string) error

	// Get returns the record, or nil if it does not exist.
	Get(ctx context.Context, jobID string) (*Record, error)

	// CountRunning returns the user's running counter, rebuilding it
	// from a record scan when the counter has expired.
	CountRunning(ctx context.Context, userID string) (int, error)
}

// nowRFC3339 formats the current wall-clock time for persistence.
func nowRFC3339(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339Nano)
}
