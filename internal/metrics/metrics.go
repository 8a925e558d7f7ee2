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

// Package metrics exposes the Prometheus instrumentation shared by the
// HTTP layer and the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	SubmissionsCreated prometheus.Counter
	JobsEnqueued       prometheus.Counter
	JobsCompleted      prometheus.Counter
	JobsFailed         prometheus.Counter
	JobDuration        prometheus.Histogram

	AdmissionsRejected *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
}

// New registers the collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmissionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_submissions_created_total",
			Help: "Submission bundles created.",
		}),
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_jobs_enqueued_total",
			Help: "Jobs admitted to the queue.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_jobs_completed_total",
			Help: "Jobs that reached COMPLETED.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "leaderboard_jobs_failed_total",
			Help: "Jobs that reached FAILED.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leaderboard_job_duration_seconds",
			Help:    "Wall-clock duration of job execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
		AdmissionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaderboard_admissions_rejected_total",
			Help: "Admissions refused by the gate, by reason.",
		}, []string{"reason"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leaderboard_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}
}
