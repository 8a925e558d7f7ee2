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
	stderrors "errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/internal/state"
)

// fakeTracker records calls in order and can fail a chosen step.
type fakeTracker struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	params  map[string]any
	metrics []map[string]float64
}

func (f *fakeTracker) step(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.failOn == name {
		return stderrors.New("tracking server unreachable")
	}
	return nil
}

func (f *fakeTracker) StartRun(ctx context.Context, name string) (string, error) {
	if err := f.step("start_run"); err != nil {
		return "", err
	}
	return "run-1", nil
}

func (f *fakeTracker) LogParams(ctx context.Context, runID string, params map[string]any) error {
	f.params = params
	return f.step("log_params")
}

func (f *fakeTracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	f.metrics = append(f.metrics, metrics)
	return f.step("log_metrics")
}

func (f *fakeTracker) LogArtifact(ctx context.Context, runID, dir string) error {
	return f.step("log_artifact")
}

func (f *fakeTracker) EndRun(ctx context.Context, runID string) error {
	return f.step("end_run")
}

type workerFixture struct {
	worker  *Worker
	store   *bundle.FSStore
	state   *state.MemoryStore
	tracker *fakeTracker
}

// newWorkerFixture builds a worker whose interpreter is sh, so the
// bundle entrypoint is a shell script. The child receives
// "--config <path> --output <dir>" as $1..$4.
func newWorkerFixture(t *testing.T, script string) *workerFixture {
	t.Helper()
	store, err := bundle.NewFSStore(filepath.Join(t.TempDir(), "submissions"), filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)

	require.NoError(t, store.Create("sid1", []bundle.Upload{
		{Name: "main.py", Data: []byte(script)},
		{Name: "config.yaml", Data: []byte("batch_size: 1\n")},
	}, bundle.Metadata{UserID: "alice", Entrypoint: "main.py", ConfigFile: "config.yaml"}))

	st := state.NewMemoryStore()
	tracker := &fakeTracker{}
	w := New(Config{
		Queue:          queue.NewMemoryQueue(),
		State:          st,
		Bundles:        store,
		Tracker:        tracker,
		ArtifactsRoot:  filepath.Join(t.TempDir(), "artifacts"),
		Interpreter:    "sh",
		DequeueTimeout: 50 * time.Millisecond,
		Timeouts:       map[string]time.Duration{"tiny": 100 * time.Millisecond},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return &workerFixture{worker: w, store: store, state: st, tracker: tracker}
}

func (f *workerFixture) run(t *testing.T, msg *queue.Message) *state.Record {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.state.Create(ctx, msg.JobID, msg.SubmissionID, "alice"))
	f.worker.process(msg)

	rec, err := f.state.Get(ctx, msg.JobID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

const successScript = `echo "run-e2e"
cat > "$4/metrics.json" <<'EOF'
{"params":{"method":"test"},"metrics":{"auc":0.95},"performance":{"cpu_percent":12.5}}
EOF
`

func TestWorkerHappyPath(t *testing.T) {
	f := newWorkerFixture(t, successScript)

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
		Config:       map[string]any{"resource_class": "small"},
	})

	assert.Equal(t, state.StatusCompleted, rec.Status)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Empty(t, rec.Error)

	// Child output lands in the job log.
	text, err := f.store.Logs("jid1", 0)
	require.NoError(t, err)
	assert.Contains(t, text, "run-e2e")

	// Tracker calls happen in order, with performance metrics logged
	// under the system/ prefix.
	assert.Equal(t, []string{"start_run", "log_params", "log_metrics", "log_metrics", "log_artifact", "end_run"}, f.tracker.calls)
	assert.Equal(t, "test", f.tracker.params["method"])
	require.Len(t, f.tracker.metrics, 2)
	assert.Equal(t, 0.95, f.tracker.metrics[0]["auc"])
	assert.Equal(t, 12.5, f.tracker.metrics[1]["system/cpu_percent"])
}

func TestWorkerTimeout(t *testing.T) {
	f := newWorkerFixture(t, "sleep 5\n")

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
		Config:       map[string]any{"resource_class": "tiny"},
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timeout")
}

func TestWorkerOutOfMemory(t *testing.T) {
	f := newWorkerFixture(t, "echo OutOfMemory >&2\nexit 1\n")

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Equal(t, "out of memory", rec.Error)
}

func TestWorkerChildExitNonZero(t *testing.T) {
	f := newWorkerFixture(t, "echo training crashed >&2\nexit 3\n")

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "training crashed")
}

func TestWorkerMissingMetrics(t *testing.T) {
	f := newWorkerFixture(t, "echo done\n")

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "metrics.json")
}

func TestWorkerInvalidMetrics(t *testing.T) {
	f := newWorkerFixture(t, `printf '{"params":{"a":1}}' > "$4/metrics.json"`+"\n")

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "params and metrics")
}

func TestWorkerTrackerFailure(t *testing.T) {
	f := newWorkerFixture(t, successScript)
	f.tracker.failOn = "start_run"

	rec := f.run(t, &queue.Message{
		JobID:        "jid1",
		SubmissionID: "sid1",
		Entrypoint:   "main.py",
		ConfigFile:   "config.yaml",
	})

	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.Error, "MLflow recording failed"), "error: %s", rec.Error)
	// The failure stops the sequence; nothing after start_run runs.
	assert.Equal(t, []string{"start_run"}, f.tracker.calls)
}

func TestWorkerRejectsBadPaths(t *testing.T) {
	f := newWorkerFixture(t, successScript)

	tests := []struct {
		name       string
		entrypoint string
		configFile string
	}{
		{"absolute entrypoint", "/etc/passwd", "config.yaml"},
		{"traversal entrypoint", "../main.py", "config.yaml"},
		{"traversal config", "main.py", "../config.yaml"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid := "jid-bad-" + string(rune('a'+i))
			rec := f.run(t, &queue.Message{
				JobID:        jid,
				SubmissionID: "sid1",
				Entrypoint:   tt.entrypoint,
				ConfigFile:   tt.configFile,
			})
			assert.Equal(t, state.StatusFailed, rec.Status)
		})
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	f := newWorkerFixture(t, successScript)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = f.worker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerRunStopsOnQueueClose(t *testing.T) {
	f := newWorkerFixture(t, successScript)

	done := make(chan struct{})
	go func() {
		_ = f.worker.Run(context.Background())
		close(done)
	}()

	require.NoError(t, f.worker.queue.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestTimeoutFor(t *testing.T) {
	f := newWorkerFixture(t, successScript)

	tests := []struct {
		name   string
		config map[string]any
		want   time.Duration
	}{
		{"default small", nil, 1800 * time.Second},
		{"explicit medium", map[string]any{"resource_class": "medium"}, 3600 * time.Second},
		{"unlimited", map[string]any{"resource_class": "unlimited"}, 0},
		{"unknown falls back to small", map[string]any{"resource_class": "xl"}, 1800 * time.Second},
		{"injected class", map[string]any{"resource_class": "tiny"}, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.worker.timeoutFor(tt.config))
		})
	}
}
