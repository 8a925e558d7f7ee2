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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/leaderboard/internal/daemon/auth"
	"github.com/tombee/leaderboard/internal/daemon/httputil"
	"github.com/tombee/leaderboard/internal/jobs"
	"github.com/tombee/leaderboard/internal/metrics"
	"github.com/tombee/leaderboard/internal/submission"
)

// RouterConfig assembles the router's collaborators.
type RouterConfig struct {
	Version string

	Submissions *submission.Service
	Jobs        *jobs.Service

	Auth    *auth.Authenticator
	Limiter *auth.RateLimiter

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	Metrics        *metrics.Metrics

	Logger *slog.Logger
}

// Router dispatches the HTTP surface. Health, metrics and the root
// connectivity check are public; everything else requires a Bearer
// token.
type Router struct {
	public    *http.ServeMux
	protected http.Handler

	config RouterConfig
	logger *slog.Logger
}

// NewRouter creates a router with all endpoints registered.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{config: cfg, logger: cfg.Logger}

	public := http.NewServeMux()
	public.HandleFunc("GET /health", r.handleHealth)
	public.HandleFunc("GET /{$}", r.handleRoot)
	if cfg.MetricsHandler != nil {
		public.Handle("GET /metrics", cfg.MetricsHandler)
	}
	r.public = public

	mux := http.NewServeMux()
	mux.HandleFunc("POST /submissions", r.handleCreateSubmission)
	mux.HandleFunc("POST /submissions/{sid}/files", r.handleAddFile)
	mux.HandleFunc("GET /submissions/{sid}/files", r.handleListFiles)
	mux.HandleFunc("POST /jobs", r.handleEnqueueJob)
	mux.HandleFunc("GET /jobs/{jid}/status", r.handleJobStatus)
	mux.HandleFunc("GET /jobs/{jid}/logs", r.handleJobLogs)
	mux.HandleFunc("GET /jobs/{jid}/results", r.handleJobResults)

	var protected http.Handler = mux
	if cfg.Limiter != nil {
		protected = cfg.Limiter.Middleware(protected)
	}
	if cfg.Auth != nil {
		protected = cfg.Auth.Middleware(protected)
	}
	r.protected = protected

	return r
}

// ServeHTTP implements http.Handler with request logging and metrics
// around the route dispatch.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	if _, pattern := r.public.Handler(req); pattern != "" {
		r.public.ServeHTTP(rec, req)
	} else {
		r.protected.ServeHTTP(rec, req)
	}

	if r.config.Metrics != nil {
		r.config.Metrics.HTTPRequests.WithLabelValues(
			req.Method, req.URL.Path, strconv.Itoa(rec.status)).Inc()
	}
	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "leaderboardd",
		"version": r.config.Version,
	})
}

// handleHealth handles GET /health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.config.Version,
	})
}
