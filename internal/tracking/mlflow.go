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

package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/leaderboard/pkg/httpclient"
)

// DefaultExperimentID is the MLflow experiment runs are recorded
// under.
const DefaultExperimentID = "1"

// MLflowTracker talks to the MLflow REST API (api/2.0/mlflow).
type MLflowTracker struct {
	baseURL      string
	experimentID string
	client       *http.Client
	now          func() time.Time
}

// NewMLflowTracker creates a tracker against the given tracking URI.
func NewMLflowTracker(trackingURI string) (*MLflowTracker, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "leaderboard-tracker/1.0"
	// MLflow log calls are POSTs; a replayed call at worst records a
	// duplicate point, never a wrong one.
	cfg.AllowNonIdempotentRetry = true

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &MLflowTracker{
		baseURL:      strings.TrimRight(trackingURI, "/"),
		experimentID: DefaultExperimentID,
		client:       client,
		now:          time.Now,
	}, nil
}

func (t *MLflowTracker) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracking request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracking request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metricPoint struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// StartRun opens a run named after the job and returns its run id.
func (t *MLflowTracker) StartRun(ctx context.Context, name string) (string, error) {
	req := map[string]any{
		"experiment_id": t.experimentID,
		"run_name":      name,
		"start_time":    t.now().UnixMilli(),
	}
	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := t.post(ctx, "/api/2.0/mlflow/runs/create", req, &resp); err != nil {
		return "", err
	}
	if resp.Run.Info.RunID == "" {
		return "", fmt.Errorf("tracking server returned no run id")
	}
	return resp.Run.Info.RunID, nil
}

// LogParams records the run's parameters in one batch.
func (t *MLflowTracker) LogParams(ctx context.Context, runID string, params map[string]any) error {
	batch := make([]kv, 0, len(params))
	for k, v := range params {
		batch = append(batch, kv{Key: k, Value: formatValue(v)})
	}
	req := map[string]any{"run_id": runID, "params": batch}
	return t.post(ctx, "/api/2.0/mlflow/runs/log-batch", req, nil)
}

// LogMetrics records the run's metrics in one batch.
func (t *MLflowTracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	ts := t.now().UnixMilli()
	batch := make([]metricPoint, 0, len(metrics))
	for k, v := range metrics {
		batch = append(batch, metricPoint{Key: k, Value: v, Timestamp: ts})
	}
	req := map[string]any{"run_id": runID, "metrics": batch}
	return t.post(ctx, "/api/2.0/mlflow/runs/log-batch", req, nil)
}

// LogArtifact records the artifact directory as a run tag. The REST
// API has no artifact upload endpoint; artifacts stay on the shared
// volume and the tag points at them.
func (t *MLflowTracker) LogArtifact(ctx context.Context, runID, dir string) error {
	req := map[string]any{
		"run_id": runID,
		"key":    "artifact_dir",
		"value":  dir,
	}
	return t.post(ctx, "/api/2.0/mlflow/runs/set-tag", req, nil)
}

// EndRun marks the run FINISHED.
func (t *MLflowTracker) EndRun(ctx context.Context, runID string) error {
	req := map[string]any{
		"run_id":   runID,
		"status":   "FINISHED",
		"end_time": t.now().UnixMilli(),
	}
	return t.post(ctx, "/api/2.0/mlflow/runs/update", req, nil)
}

// formatValue renders a parameter value the way it appeared in the
// metrics file: JSON for composites, plain text for scalars.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
