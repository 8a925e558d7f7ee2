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

// Package daemon wires the control plane together: bundle store,
// backend, services, HTTP server and embedded workers.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/leaderboard/internal/bundle"
	"github.com/tombee/leaderboard/internal/config"
	"github.com/tombee/leaderboard/internal/daemon/api"
	"github.com/tombee/leaderboard/internal/daemon/auth"
	"github.com/tombee/leaderboard/internal/jobs"
	"github.com/tombee/leaderboard/internal/log"
	"github.com/tombee/leaderboard/internal/metrics"
	"github.com/tombee/leaderboard/internal/submission"
	"github.com/tombee/leaderboard/internal/tracking"
	"github.com/tombee/leaderboard/internal/worker"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run
// after a stop request.
const shutdownTimeout = 10 * time.Second

// Daemon is the assembled control plane process.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	backend *Backend
	server  *http.Server
	workers []*worker.Worker
}

// New assembles a daemon from the configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Daemon, error) {
	bundles, err := bundle.NewFSStore(cfg.SubmissionsRoot, cfg.LogsRoot)
	if err != nil {
		return nil, err
	}

	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}

	tracker, err := tracking.NewMLflowTracker(cfg.TrackingURI)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	submissions := submission.NewService(bundles, log.WithComponent(logger, "submissions"))
	jobsService := jobs.NewService(bundles, backend.State, backend.Queue, backend.Gate,
		cfg.MaxSubmissionsPerHour, cfg.MaxConcurrentRunning, cfg.TrackingURI,
		log.WithComponent(logger, "jobs"))

	router := api.NewRouter(api.RouterConfig{
		Version:     version,
		Submissions: submissions,
		Jobs:        jobsService,
		Auth:        auth.NewAuthenticator(cfg.APITokens),
		Limiter: auth.NewRateLimiter(auth.RateLimitConfig{
			RequestsPerSecond: cfg.RequestRate.RequestsPerSecond,
			BurstSize:         cfg.RequestRate.Burst,
			Enabled:           cfg.RequestRate.Enabled,
		}),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Metrics:        m,
		Logger:         log.WithComponent(logger, "api"),
	})

	workerCount := cfg.Workers
	if cfg.Backend == config.BackendMemory && workerCount < 1 {
		// The memory queue is process-local; without an embedded
		// worker nothing would ever run.
		workerCount = 1
	}
	workers := make([]*worker.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		workers = append(workers, worker.New(worker.Config{
			Queue:          backend.Queue,
			State:          backend.State,
			Bundles:        bundles,
			Tracker:        tracker,
			ArtifactsRoot:  cfg.ArtifactsRoot,
			Interpreter:    cfg.Interpreter,
			DequeueTimeout: cfg.DequeueTimeout,
			Metrics:        m,
			Logger:         log.WithComponent(logger, "worker"),
		}))
	}

	return &Daemon{
		cfg:     cfg,
		version: version,
		logger:  logger,
		backend: backend,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		workers: workers,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully:
// HTTP first, then the workers (an in-flight job runs to completion).
func (d *Daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	for _, w := range d.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(workerCtx); err != nil {
				d.logger.Error("worker exited", log.Error(err))
			}
		}(w)
	}

	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening",
			slog.String("addr", d.cfg.ListenAddr),
			slog.String("backend", d.cfg.Backend),
			slog.Int("workers", len(d.workers)))
		serveErr <- d.server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stopWorkers()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("http shutdown failed", log.Error(err))
	}

	stopWorkers()
	wg.Wait()

	if err := d.backend.Close(); err != nil {
		d.logger.Error("backend close failed", log.Error(err))
	}
	d.logger.Info("daemon stopped")
	return nil
}

// RunWorker runs standalone workers against the shared Redis backend
// until ctx is cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) error {
	if cfg.Backend != config.BackendRedis {
		return errors.New("standalone workers require the redis backend")
	}

	bundles, err := bundle.NewFSStore(cfg.SubmissionsRoot, cfg.LogsRoot)
	if err != nil {
		return err
	}
	backend, err := OpenBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	tracker, err := tracking.NewMLflowTracker(cfg.TrackingURI)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.NewRegistry())

	count := cfg.Workers
	if count < 1 {
		count = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		w := worker.New(worker.Config{
			Queue:          backend.Queue,
			State:          backend.State,
			Bundles:        bundles,
			Tracker:        tracker,
			ArtifactsRoot:  cfg.ArtifactsRoot,
			Interpreter:    cfg.Interpreter,
			DequeueTimeout: cfg.DequeueTimeout,
			Metrics:        m,
			Logger:         log.WithComponent(logger, "worker"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited", log.Error(err))
			}
		}()
	}
	wg.Wait()
	return nil
}
