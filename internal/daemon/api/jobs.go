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
	"net/http"
	"strconv"

	"github.com/tombee/leaderboard/internal/daemon/auth"
	"github.com/tombee/leaderboard/internal/daemon/httputil"
	"github.com/tombee/leaderboard/pkg/errors"
)

// enqueueRequest is the body of POST /jobs.
type enqueueRequest struct {
	SubmissionID string         `json:"submission_id"`
	Config       map[string]any `json:"config"`
}

// handleEnqueueJob handles POST /jobs.
func (r *Router) handleEnqueueJob(w http.ResponseWriter, req *http.Request) {
	userID := auth.UserID(req.Context())

	var body enqueueRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.SubmissionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "submission_id is required")
		return
	}

	jid, err := r.config.Jobs.Enqueue(req.Context(), body.SubmissionID, userID, body.Config)
	if err != nil {
		if r.config.Metrics != nil {
			switch {
			case errors.IsRateLimit(err):
				r.config.Metrics.AdmissionsRejected.WithLabelValues("rate").Inc()
			case errors.IsConcurrency(err):
				r.config.Metrics.AdmissionsRejected.WithLabelValues("concurrency").Inc()
			}
		}
		writeServiceError(w, r.logger, err)
		return
	}

	if r.config.Metrics != nil {
		r.config.Metrics.JobsEnqueued.Inc()
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jid})
}

// handleJobStatus handles GET /jobs/{jid}/status. An unknown job reads
// as an empty object.
func (r *Router) handleJobStatus(w http.ResponseWriter, req *http.Request) {
	jid := req.PathValue("jid")

	rec, err := r.config.Jobs.Status(req.Context(), jid)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	if rec == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// handleJobLogs handles GET /jobs/{jid}/logs?tail_lines=N. A missing
// log file reads as empty text.
func (r *Router) handleJobLogs(w http.ResponseWriter, req *http.Request) {
	jid := req.PathValue("jid")

	tailLines := 0
	if v := req.URL.Query().Get("tail_lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "tail_lines must be a non-negative integer")
			return
		}
		tailLines = n
	}

	text, err := r.config.Jobs.Logs(jid, tailLines)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"job_id": jid,
		"logs":   text,
	})
}

// handleJobResults handles GET /jobs/{jid}/results.
func (r *Router) handleJobResults(w http.ResponseWriter, req *http.Request) {
	jid := req.PathValue("jid")

	res, err := r.config.Jobs.GetResults(req.Context(), jid)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
