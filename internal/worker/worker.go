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

// Package worker consumes the job queue and executes submissions as
// child processes.
package worker

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/log"
	"github.com/tombee/leaderboard/internal/metrics"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/internal/state"
	"github.com/tombee/leaderboard/internal/tracking"
	"github.com/tombee/leaderboard/pkg/errors"
)

// Timeouts per resource class. Unknown classes fall back to small; an
// entry of zero means no timeout.
var defaultTimeouts = map[string]time.Duration{
	"small":     1800 * time.Second,
	"medium":    3600 * time.Second,
	"unlimited": 0,
}

// DefaultDequeueTimeout bounds each blocking dequeue so a stop request
// is noticed promptly.
const DefaultDequeueTimeout = 30 * time.Second

// Config assembles a Worker's collaborators.
type Config struct {
	Queue   queue.Queue
	State   state.Store
	Bundles bundle.Store
	Tracker tracking.Tracker

	ArtifactsRoot string

	// Interpreter runs entrypoints (default "python").
	Interpreter string

	// DequeueTimeout bounds each blocking dequeue.
	DequeueTimeout time.Duration

	// Timeouts overrides or extends the resource-class timeout table.
	Timeouts map[string]time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Worker is a long-lived queue consumer.
type Worker struct {
	queue   queue.Queue
	state   state.Store
	bundles bundle.Store
	tracker tracking.Tracker

	artifactsRoot  string
	interpreter    string
	dequeueTimeout time.Duration
	timeouts       map[string]time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a worker from cfg.
func New(cfg Config) *Worker {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python"
	}
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = DefaultDequeueTimeout
	}
	timeouts := maps.Clone(defaultTimeouts)
	maps.Copy(timeouts, cfg.Timeouts)

	return &Worker{
		queue:          cfg.Queue,
		state:          cfg.State,
		bundles:        cfg.Bundles,
		tracker:        cfg.Tracker,
		artifactsRoot:  cfg.ArtifactsRoot,
		interpreter:    interpreter,
		dequeueTimeout: dequeueTimeout,
		timeouts:       timeouts,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
}

// Run consumes the queue until ctx is cancelled or the queue closes.
// An in-flight job always runs to completion; cancellation is only
// observed between jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		msg, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
		if err == queue.ErrQueueClosed {
			w.logger.Info("queue closed, worker stopping")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("dequeue failed", log.Error(err))
			continue
		}
		if msg == nil {
			continue
		}

		w.process(msg)
	}
}

// process runs one job and records its terminal status exactly once.
func (w *Worker) process(msg *queue.Message) {
	logger := log.WithJobContext(w.logger, msg.JobID, msg.SubmissionID)

	// The child is never killed by worker shutdown, so job bookkeeping
	// runs on its own context.
	ctx := context.Background()

	if err := w.state.Update(ctx, msg.JobID, state.StatusRunning, nil); err != nil {
		logger.Error("failed to mark job running", log.Error(err))
		return
	}
	logger.Info("job started")

	start := time.Now()
	runID, err := w.execute(ctx, msg, logger)
	elapsed := time.Since(start)
	if w.metrics != nil {
		w.metrics.JobDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		logger.Error("job failed", log.Error(err), log.Duration("duration", elapsed.Milliseconds()))
		if uerr := w.state.Update(ctx, msg.JobID, state.StatusFailed, map[string]string{"error": err.Error()}); uerr != nil {
			logger.Error("failed to mark job failed", log.Error(uerr))
		}
		if w.metrics != nil {
			w.metrics.JobsFailed.Inc()
		}
		return
	}

	extra := map[string]string{}
	if runID != "" {
		extra["run_id"] = runID
	}
	if uerr := w.state.Update(ctx, msg.JobID, state.StatusCompleted, extra); uerr != nil {
		logger.Error("failed to mark job completed", log.Error(uerr))
		return
	}
	if w.metrics != nil {
		w.metrics.JobsCompleted.Inc()
	}
	logger.Info("job completed", slog.String(log.RunIDKey, runID), log.Duration("duration", elapsed.Milliseconds()))
}

// timeoutFor maps a resource class to its timeout.
func (w *Worker) timeoutFor(config map[string]any) time.Duration {
	class := "small"
	if v, ok := config["resource_class"].(string); ok && v != "" {
		class = v
	}
	timeout, ok := w.timeouts[class]
	if !ok {
		timeout = w.timeouts["small"]
	}
	return timeout
}

// record sends one finished run to the tracker in order. Any failure
// surfaces as a TrackerError.
func (w *Worker) record(ctx context.Context, jobID string, doc *metricsDoc, outputDir string) (string, error) {
	runID, err := w.tracker.StartRun(ctx, jobID)
	if err != nil {
		return "", &errors.TrackerError{Message: err.Error(), Cause: err}
	}
	if err := w.tracker.LogParams(ctx, runID, doc.Params); err != nil {
		return "", &errors.TrackerError{Message: err.Error(), Cause: err}
	}
	if err := w.tracker.LogMetrics(ctx, runID, doc.Metrics); err != nil {
		return "", &errors.TrackerError{Message: err.Error(), Cause: err}
	}
	if len(doc.Performance) > 0 {
		system := make(map[string]float64, len(doc.Performance))
		for k, v := range doc.Performance {
			system["system/"+k] = v
		}
		if err := w.tracker.LogMetrics(ctx, runID, system); err != nil {
			return "", &errors.TrackerError{Message: err.Error(), Cause: err}
		}
	}
	if err := w.tracker.LogArtifact(ctx, runID, outputDir); err != nil {
		return "", &errors.TrackerError{Message: err.Error(), Cause: err}
	}
	if err := w.tracker.EndRun(ctx, runID); err != nil {
		return "", &errors.TrackerError{Message: err.Error(), Cause: err}
	}
	return runID, nil
}
