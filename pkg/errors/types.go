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

// Package errors defines the error taxonomy surfaced by the control plane.
package errors

import (
	"fmt"
	"time"
)

// NotFoundError represents a resource not found error.
// Use this when a requested submission, job, or log does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "submission", "job", "log")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError represents user input validation failures.
// Use this for invalid filenames, disallowed suffixes, or malformed input.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// TooLargeError is returned when an uploaded file exceeds the size limit.
type TooLargeError struct {
	Filename string
	Size     int64
	Limit    int64
}

// Error implements the error interface.
func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file %s size %d exceeds maximum %d", e.Filename, e.Size, e.Limit)
}

// DuplicateError is returned when a filename already exists in a bundle.
type DuplicateError struct {
	Filename     string
	SubmissionID string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("file %s already exists in submission %s", e.Filename, e.SubmissionID)
}

// OwnershipError is returned on cross-user access to a bundle or job.
type OwnershipError struct {
	UserID       string
	SubmissionID string
}

// Error implements the error interface.
func (e *OwnershipError) Error() string {
	return fmt.Sprintf("user %s does not own submission %s", e.UserID, e.SubmissionID)
}

// IncompleteError is returned when a bundle is missing its entrypoint or
// config file at admission time.
type IncompleteError struct {
	// Missing names the file that failed to resolve inside the bundle
	Missing string
}

// Error implements the error interface.
func (e *IncompleteError) Error() string {
	return fmt.Sprintf("submission incomplete: %s not found in bundle", e.Missing)
}

// RateLimitError is returned when the hourly submission cap is hit.
type RateLimitError struct {
	UserID string
	Limit  int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return "submission rate limit exceeded"
}

// ConcurrencyError is returned when the per-user running-job cap is hit.
type ConcurrencyError struct {
	UserID string
	Limit  int
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return "too many running jobs"
}

// TimeoutError represents a child process exceeding its resource-class
// timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "job execution")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %g seconds", e.Duration.Seconds())
}

// ChildExitError represents a child process exiting non-zero.
type ChildExitError struct {
	// ExitCode is the child's exit code
	ExitCode int

	// Message is the diagnostic extracted from the job log ("out of
	// memory", log tail, or a generic exit message)
	Message string
}

// Error implements the error interface.
func (e *ChildExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit %d", e.ExitCode)
}

// MetricsError represents a missing or malformed metrics document.
type MetricsError struct {
	Reason string
}

// Error implements the error interface.
func (e *MetricsError) Error() string {
	return e.Reason
}

// TrackerError represents a failure while recording a run to the
// experiment tracker.
type TrackerError struct {
	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TrackerError) Error() string {
	return fmt.Sprintf("MLflow recording failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TrackerError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "queue_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
