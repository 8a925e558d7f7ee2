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

// Package tracking records completed runs to an MLflow tracking
// server.
package tracking

import "context"

// Tracker is the capability interface over experiment tracking.
type Tracker interface {
	// StartRun opens a run named after the job and returns its run id.
	StartRun(ctx context.Context, name string) (string, error)

	// LogParams records the run's parameters.
	LogParams(ctx context.Context, runID string, params map[string]any) error

	// LogMetrics records the run's metrics.
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error

	// LogArtifact associates the run with its artifact directory.
	LogArtifact(ctx context.Context, runID, dir string) error

	// EndRun marks the run finished.
	EndRun(ctx context.Context, runID string) error
}
