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

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/daemon/auth"
	"github.com/tombee/leaderboard/internal/gate"
	"github.com/tombee/leaderboard/internal/jobs"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/internal/state"
	"github.com/tombee/leaderboard/internal/submission"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	store, err := bundle.NewFSStore(filepath.Join(t.TempDir(), "submissions"), filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)

	st := state.NewMemoryStore()
	q := queue.NewMemoryQueue()
	g := gate.NewMemoryGate(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewRouter(RouterConfig{
		Version:     "test",
		Submissions: submission.NewService(store, logger),
		Jobs:        jobs.NewService(store, st, q, g, 50, 2, "http://mlflow:5000", logger),
		Auth:        auth.NewAuthenticator(nil),
		Logger:      logger,
	})
}

func multipartBody(t *testing.T, field string, files map[string]string, form map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range form {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doRequest(router *Router, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createSubmission(t *testing.T, router *Router, token string) string {
	t.Helper()
	body, ct := multipartBody(t, "files", map[string]string{
		"main.py":     "print('hi')\n",
		"config.yaml": "batch_size: 1\n",
	}, map[string]string{"entrypoint": "main.py", "config_file": "config.yaml"})

	rec := doRequest(router, http.MethodPost, "/submissions", token, body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["submission_id"])
	return resp["submission_id"]
}

func TestPublicEndpointsNeedNoAuth(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leaderboardd")
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	router := newTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/submissions"},
		{http.MethodPost, "/jobs"},
		{http.MethodGet, "/jobs/j1/status"},
		{http.MethodGet, "/jobs/j1/logs"},
		{http.MethodGet, "/jobs/j1/results"},
		{http.MethodGet, "/submissions/s1/files"},
	}

	for _, p := range paths {
		rec := doRequest(router, p.method, p.path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	router := newTestRouter(t)
	sid := createSubmission(t, router, "alice")

	// List files.
	rec := doRequest(router, http.MethodGet, "/submissions/"+sid+"/files", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Files []bundle.FileInfo `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Files, 2)

	// Another user cannot list.
	rec = doRequest(router, http.MethodGet, "/submissions/"+sid+"/files", "bob", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Incremental upload.
	body, ct := multipartBody(t, "file", map[string]string{"extra.yaml": "x: 1\n"}, nil)
	rec = doRequest(router, http.MethodPost, "/submissions/"+sid+"/files", "alice", body, ct)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// A disallowed extension is rejected and the listing is unchanged.
	body, ct = multipartBody(t, "file", map[string]string{"notes.txt": "x"}, nil)
	rec = doRequest(router, http.MethodPost, "/submissions/"+sid+"/files", "alice", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/submissions/"+sid+"/files", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Files, 3)

	// Unknown submission is 404.
	body, ct = multipartBody(t, "file", map[string]string{"a.yaml": "x"}, nil)
	rec = doRequest(router, http.MethodPost, "/submissions/unknown/files", "alice", body, ct)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobLifecycle(t *testing.T) {
	router := newTestRouter(t)
	sid := createSubmission(t, router, "alice")

	payload := `{"submission_id":"` + sid + `","config":{"resource_class":"small"}}`
	rec := doRequest(router, http.MethodPost, "/jobs", "alice", strings.NewReader(payload), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var enqResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqResp))
	jid := enqResp["job_id"]
	require.NotEmpty(t, jid)

	// Status shows the pending record.
	rec = doRequest(router, http.MethodGet, "/jobs/"+jid+"/status", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rec1 state.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rec1))
	assert.Equal(t, state.StatusPending, rec1.Status)

	// Unknown job reads as an empty object.
	rec = doRequest(router, http.MethodGet, "/jobs/unknown/status", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	// Logs read as empty before the worker runs.
	rec = doRequest(router, http.MethodGet, "/jobs/"+jid+"/logs?tail_lines=10", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logsResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logsResp))
	assert.Equal(t, jid, logsResp["job_id"])
	assert.Empty(t, logsResp["logs"])

	// Bad tail_lines is rejected.
	rec = doRequest(router, http.MethodGet, "/jobs/"+jid+"/logs?tail_lines=abc", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Results exist with an empty run id until the job completes.
	rec = doRequest(router, http.MethodGet, "/jobs/"+jid+"/results", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results jobs.Results
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Equal(t, jid, results.JobID)
	assert.Empty(t, results.RunID)

	// Results for an unknown job are 404.
	rec = doRequest(router, http.MethodGet, "/jobs/unknown/results", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/jobs", "alice", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/jobs", "alice",
		strings.NewReader(`{"submission_id":"unknown"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueRateLimited(t *testing.T) {
	store, err := bundle.NewFSStore(filepath.Join(t.TempDir(), "s"), filepath.Join(t.TempDir(), "l"))
	require.NoError(t, err)
	st := state.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterConfig{
		Version:     "test",
		Submissions: submission.NewService(store, logger),
		Jobs:        jobs.NewService(store, st, queue.NewMemoryQueue(), gate.NewMemoryGate(st), 1, 10, "http://mlflow:5000", logger),
		Auth:        auth.NewAuthenticator(nil),
		Logger:      logger,
	})

	sid := createSubmission(t, router, "alice")
	payload := `{"submission_id":"` + sid + `"}`

	rec := doRequest(router, http.MethodPost, "/jobs", "alice", strings.NewReader(payload), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(router, http.MethodPost, "/jobs", "alice", strings.NewReader(payload), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit")
}

func TestAllowlistEnforced(t *testing.T) {
	store, err := bundle.NewFSStore(filepath.Join(t.TempDir(), "s"), filepath.Join(t.TempDir(), "l"))
	require.NoError(t, err)
	st := state.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(RouterConfig{
		Version:     "test",
		Submissions: submission.NewService(store, logger),
		Jobs:        jobs.NewService(store, st, queue.NewMemoryQueue(), gate.NewMemoryGate(st), 50, 2, "http://mlflow:5000", logger),
		Auth:        auth.NewAuthenticator([]string{"alice"}),
		Logger:      logger,
	})

	rec := doRequest(router, http.MethodGet, "/jobs/j1/status", "mallory", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/jobs/j1/status", "alice", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
