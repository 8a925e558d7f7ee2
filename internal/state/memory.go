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

package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process state store used by the memory backend
// and by tests. It also hosts the hourly rate counters so the memory
// admission gate can check both counters under a single lock, mirroring
// the atomicity the Redis gate gets from its server-side script.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*Record
	running    map[string]int
	hourly     map[string]int
	hourlyExp  map[string]time.Time
	rateWindow time.Duration
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		running:    make(map[string]int),
		hourly:     make(map[string]int),
		hourlyExp:  make(map[string]time.Time),
		rateWindow: time.Hour,
		now:        time.Now,
	}
}

// Create writes a fresh PENDING record.
func (s *MemoryStore) Create(ctx context.Context, jobID, submissionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowRFC3339(s.now)
	s.records[jobID] = &Record{
		JobID:        jobID,
		SubmissionID: submissionID,
		UserID:       userID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

// Update sets the status and merges extra fields, maintaining the
// owner's running counter on transitions.
func (s *MemoryStore) Update(ctx context.Context, jobID string, status Status, extra map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		rec = &Record{JobID: jobID, CreatedAt: nowRFC3339(s.now)}
		s.records[jobID] = rec
	}

	if rec.UserID != "" {
		switch {
		case rec.Status == StatusRunning && status != StatusRunning:
			s.running[rec.UserID]--
		case rec.Status != StatusRunning && status == StatusRunning:
			s.running[rec.UserID]++
		}
	}

	rec.Status = status
	rec.UpdatedAt = nowRFC3339(s.now)
	for k, v := range extra {
		switch k {
		case "run_id":
			rec.RunID = v
		case "error":
			rec.Error = v
		case "updated_at":
			// never overridable
		}
	}
	return nil
}

// Get returns a copy of the record, or nil if it does not exist.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// CountRunning returns the user's running counter, rebuilding it from a
// record scan when absent.
func (s *MemoryStore) CountRunning(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRunningLocked(userID), nil
}

func (s *MemoryStore) countRunningLocked(userID string) int {
	if n, ok := s.running[userID]; ok {
		return n
	}
	running := 0
	for _, rec := range s.records {
		if rec.UserID == userID && rec.Status == StatusRunning {
			running++
		}
	}
	if running > 0 {
		s.running[userID] = running
	}
	return running
}

// TryAdmit atomically checks the running and hourly counters and, if
// both caps hold, consumes one hourly slot. The memory gate delegates
// here so both counters are observed under one lock.
func (s *MemoryStore) TryAdmit(userID string, maxConcurrency, maxRate int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countRunningLocked(userID) >= maxConcurrency {
		return false
	}
	if s.hourlyLocked(userID) >= maxRate {
		return false
	}
	s.hourly[userID] = s.hourlyLocked(userID) + 1
	s.hourlyExp[userID] = s.now().Add(s.rateWindow)
	return true
}

// DecrHourly releases one hourly slot (admission rollback).
func (s *MemoryStore) DecrHourly(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hourly[userID] = s.hourlyLocked(userID) - 1
	s.hourlyExp[userID] = s.now().Add(s.rateWindow)
}

// HourlyCount returns the current hourly counter value.
func (s *MemoryStore) HourlyCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hourlyLocked(userID)
}

// hourlyLocked reads the hourly counter, resetting it when its window
// has expired.
func (s *MemoryStore) hourlyLocked(userID string) int {
	if exp, ok := s.hourlyExp[userID]; ok && s.now().After(exp) {
		delete(s.hourly, userID)
		delete(s.hourlyExp, userID)
	}
	return s.hourly[userID]
}
