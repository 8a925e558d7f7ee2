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

package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/pkg/errors"
)

// errorTailLines bounds how much of the log ends up in the job record
// on a non-zero exit.
const errorTailLines = 5

// metricsDoc is the document the child writes to metrics.json.
// Unknown keys are ignored.
type metricsDoc struct {
	Params      map[string]any     `json:"params"`
	Metrics     map[string]float64 `json:"metrics"`
	Performance map[string]float64 `json:"performance"`
}

// checkPath rejects absolute paths and any '..' component before the
// name is joined under the bundle directory.
func checkPath(name string) error {
	if name == "" {
		return &errors.ValidationError{Field: "path", Message: "path is required"}
	}
	if strings.HasPrefix(name, "/") {
		return &errors.ValidationError{Field: "path", Message: "absolute paths are not allowed"}
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return &errors.ValidationError{Field: "path", Message: "path must not contain '..'"}
		}
	}
	return nil
}

// execute runs one job to completion and returns the recorded run id.
func (w *Worker) execute(ctx context.Context, msg *queue.Message, logger *slog.Logger) (string, error) {
	if err := checkPath(msg.Entrypoint); err != nil {
		return "", err
	}
	if err := checkPath(msg.ConfigFile); err != nil {
		return "", err
	}

	bundleDir := w.bundles.Dir(msg.SubmissionID)
	outputDir := filepath.Join(w.artifactsRoot, msg.JobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	timeout := w.timeoutFor(msg.Config)
	logPath := w.bundles.LogPath(msg.JobID)

	if err := w.runChild(msg, bundleDir, outputDir, logPath, timeout, logger); err != nil {
		return "", err
	}

	doc, err := loadMetrics(outputDir)
	if err != nil {
		return "", err
	}

	return w.record(ctx, msg.JobID, doc, outputDir)
}

// runChild spawns the interpreter on the entrypoint with stdout and
// stderr merged into the job log, enforcing the resource-class timeout.
func (w *Worker) runChild(msg *queue.Message, bundleDir, outputDir, logPath string, timeout time.Duration, logger *slog.Logger) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open job log: %w", err)
	}
	defer logFile.Close()

	// Worker shutdown never kills the child; only the timeout does.
	cctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, w.interpreter,
		filepath.Join(bundleDir, msg.Entrypoint),
		"--config", filepath.Join(bundleDir, msg.ConfigFile),
		"--output", outputDir)
	cmd.Dir = bundleDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	logger.Info("spawning child",
		slog.String("entrypoint", msg.Entrypoint),
		slog.String("timeout", timeout.String()))

	runErr := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return &errors.TimeoutError{Operation: "job execution", Duration: timeout}
	}
	if runErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !stderrors.As(runErr, &exitErr) {
		return fmt.Errorf("failed to run child: %w", runErr)
	}
	return w.childFailure(msg.JobID, exitErr.ExitCode())
}

// childFailure derives the job error from a non-zero exit, preferring
// an out-of-memory indicator found in the log.
func (w *Worker) childFailure(jobID string, exitCode int) error {
	text, err := w.bundles.Logs(jobID, 0)
	if err != nil {
		text = ""
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "outofmemory") || strings.Contains(lower, "oom") {
		return &errors.ChildExitError{ExitCode: exitCode, Message: "out of memory"}
	}

	tail := strings.TrimSpace(bundle.Tail(text, errorTailLines))
	return &errors.ChildExitError{ExitCode: exitCode, Message: tail}
}

// loadMetrics reads and validates the child's metrics document.
func loadMetrics(outputDir string) (*metricsDoc, error) {
	path := filepath.Join(outputDir, "metrics.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.MetricsError{Reason: "metrics.json not found in output"}
		}
		return nil, fmt.Errorf("failed to read metrics.json: %w", err)
	}

	var doc metricsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &errors.MetricsError{Reason: "metrics.json is not valid JSON: " + err.Error()}
	}
	if doc.Params == nil || doc.Metrics == nil {
		return nil, &errors.MetricsError{Reason: "metrics.json must contain params and metrics"}
	}
	return &doc, nil
}
