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
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/daemon/auth"
	"github.com/tombee/leaderboard/internal/daemon/httputil"
)

// maxMultipartMemory bounds how much of a multipart body is held in
// memory before spilling to disk.
const maxMultipartMemory = 32 << 20

// handleCreateSubmission handles POST /submissions.
func (r *Router) handleCreateSubmission(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())

	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	extra, err := parseMetadataForm(req.FormValue("metadata"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var uploads []bundle.Upload
	for _, fh := range req.MultipartForm.File["files"] {
		data, err := readUpload(fh)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		uploads = append(uploads, bundle.Upload{Name: fh.Filename, Data: data})
	}

	sid, err := r.config.Submissions.Create(userID,
		req.FormValue("entrypoint"), req.FormValue("config_file"), uploads, extra)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}

	if r.config.Metrics != nil {
		r.config.Metrics.SubmissionsCreated.Inc()
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"submission_id": sid,
		"user_id":       userID,
	})
}

// handleAddFile handles POST /submissions/{sid}/files.
func (r *Router) handleAddFile(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	sid := req.PathValue("sid")

	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	fhs := req.MultipartForm.File["file"]
	if len(fhs) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "a file part named 'file' is required")
		return
	}
	fh := fhs[0]

	data, err := readUpload(fh)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := r.config.Submissions.AddFile(sid, userID, fh.Filename, data)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"filename": info.Filename,
		"size":     info.Size,
	})
}

// handleListFiles handles GET /submissions/{sid}/files.
func (r *Router) handleListFiles(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())
	sid := req.PathValue("sid")

	files, err := r.config.Submissions.List(sid, userID)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"files": files})
}

// parseMetadataForm decodes the optional metadata form field into
// flat string values. Composite values are carried as their JSON text.
func parseMetadataForm(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		out[k] = s
	}
	return out, nil
}

// readUpload reads one multipart file fully, bounding the read one
// byte past the size limit so oversize payloads are detected without
// buffering them whole.
func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, bundle.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
	}
	return data, nil
}
