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

// Package queue implements the FIFO job queue workers consume from.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Message is the work item delivered to a worker. Config carries the
// merged execution parameters the child process receives as its config
// file.
type Message struct {
	JobID        string         `json:"job_id"`
	SubmissionID string         `json:"submission_id"`
	Entrypoint   string         `json:"entrypoint"`
	ConfigFile   string         `json:"config_file"`
	Config       map[string]any `json:"config,omitempty"`
}

// Queue is the capability interface over the job queue.
type Queue interface {
	// Enqueue appends a message to the tail of the queue.
	Enqueue(ctx context.Context, msg *Message) error

	// Dequeue blocks up to timeout for the head message. It returns
	// (nil, nil) when the timeout elapses with the queue empty.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)

	// Close releases queue resources and unblocks waiting consumers.
	Close() error
}
