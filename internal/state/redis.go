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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes shared with the admission gate.
const (
	JobKeyPrefix     = "job:"
	RunningKeyPrefix = "running:"
)

// RedisStore keeps job records as Redis hashes with a 90 day TTL.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func jobKey(jobID string) string {
	return JobKeyPrefix + jobID
}

// RunningKey returns the per-user running counter key.
func RunningKey(userID string) string {
	return RunningKeyPrefix + userID
}

// Create writes a fresh PENDING record.
func (s *RedisStore) Create(ctx context.Context, jobID, submissionID, userID string) error {
	now := nowRFC3339(s.now)
	key := jobKey(jobID)
	fields := map[string]string{
		"job_id":        jobID,
		"submission_id": submissionID,
		"user_id":       userID,
		"status":        string(StatusPending),
		"created_at":    now,
		"updated_at":    now,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return s.client.Expire(ctx, key, RecordTTL).Err()
}

// Update sets the status and merges extra fields. The previous status
// is read first so transitions into and out of RUNNING maintain the
// owner's running counter.
func (s *RedisStore) Update(ctx context.Context, jobID string, status Status, extra map[string]string) error {
	key := jobKey(jobID)

	current, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read job record: %w", err)
	}

	if userID := current["user_id"]; userID != "" {
		prev := Status(current["status"])
		runningKey := RunningKey(userID)
		switch {
		case prev == StatusRunning && status != StatusRunning:
			if err := s.client.Decr(ctx, runningKey).Err(); err != nil {
				return fmt.Errorf("failed to decrement running counter: %w", err)
			}
		case prev != StatusRunning && status == StatusRunning:
			if err := s.client.Incr(ctx, runningKey).Err(); err != nil {
				return fmt.Errorf("failed to increment running counter: %w", err)
			}
			if err := s.client.Expire(ctx, runningKey, RunningCounterTTL).Err(); err != nil {
				return err
			}
		}
	}

	fields := map[string]string{
		"status":     string(status),
		"updated_at": nowRFC3339(s.now),
	}
	for k, v := range extra {
		if k == "updated_at" {
			continue
		}
		fields[k] = v
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to update job record: %w", err)
	}
	return s.client.Expire(ctx, key, RecordTTL).Err()
}

// Get returns the record, or nil if it does not exist.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	raw, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return recordFromFields(raw), nil
}

func recordFromFields(raw map[string]string) *Record {
	return &Record{
		JobID:        raw["job_id"],
		SubmissionID: raw["submission_id"],
		UserID:       raw["user_id"],
		Status:       Status(raw["status"]),
		CreatedAt:    raw["created_at"],
		UpdatedAt:    raw["updated_at"],
		RunID:        raw["run_id"],
		Error:        raw["error"],
	}
}

// CountRunning returns the counter value, rebuilding it from a scan of
// job records when the counter key has expired.
func (s *RedisStore) CountRunning(ctx context.Context, userID string) (int, error) {
	runningKey := RunningKey(userID)

	val, err := s.client.Get(ctx, runningKey).Result()
	if err == nil {
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			return 0, fmt.Errorf("corrupt running counter for %s: %w", userID, convErr)
		}
		return n, nil
	}
	if err != redis.Nil {
		return 0, fmt.Errorf("failed to read running counter: %w", err)
	}

	// Counter expired: rebuild from the records owned by this user.
	running := 0
	iter := s.client.Scan(ctx, 0, JobKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan job records: %w", err)
		}
		if raw["user_id"] == userID && Status(raw["status"]) == StatusRunning {
			running++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan job records: %w", err)
	}

	if running > 0 {
		if err := s.client.Set(ctx, runningKey, running, RunningCounterTTL).Err(); err != nil {
			return 0, fmt.Errorf("failed to persist rebuilt counter: %w", err)
		}
	}
	return running, nil
}
