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

// Package config provides configuration for the daemon and worker.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/leaderboard/pkg/errors"
)

// Backend types for the state store and queue.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds the full daemon and worker configuration.
type Config struct {
	// ListenAddr is the TCP address the HTTP API listens on.
	ListenAddr string `yaml:"listen_addr"`

	// SubmissionsRoot is the directory holding one subdirectory per bundle.
	SubmissionsRoot string `yaml:"submissions_root"`

	// LogsRoot is the directory holding one <job_id>.log per job.
	LogsRoot string `yaml:"logs_root"`

	// ArtifactsRoot is the directory holding one output dir per job.
	ArtifactsRoot string `yaml:"artifacts_root"`

	// Backend selects the state store and queue implementation
	// (redis or memory).
	Backend string `yaml:"backend"`

	// QueueURL is the Redis connection URL for the state store, queue,
	// and admission gate.
	QueueURL string `yaml:"queue_url"`

	// TrackingURI is the base URL of the MLflow tracking server.
	TrackingURI string `yaml:"tracking_uri"`

	// MaxSubmissionsPerHour caps admissions per user in a rolling hour.
	MaxSubmissionsPerHour int `yaml:"max_submissions_per_hour"`

	// MaxConcurrentRunning caps a user's simultaneously running jobs.
	MaxConcurrentRunning int `yaml:"max_concurrent_running"`

	// APITokens is the bearer token allowlist. Empty means any
	// non-empty token is accepted; the token string is the user id.
	APITokens []string `yaml:"api_tokens"`

	// Workers is the number of embedded workers started by serve.
	// The memory backend forces at least one.
	Workers int `yaml:"workers"`

	// DequeueTimeout bounds each blocking queue pop; the stop flag is
	// re-checked at this interval.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`

	// Interpreter is the executable used to run bundle entrypoints.
	Interpreter string `yaml:"interpreter"`

	// RequestRate configures the per-token HTTP request limiter.
	RequestRate RequestRateConfig `yaml:"request_rate"`
}

// RequestRateConfig configures the HTTP-layer per-token request limiter.
// This is independent of the per-user admission gate.
type RequestRateConfig struct {
	// RequestsPerSecond is the sustained request rate per token.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the token bucket capacity.
	Burst int `yaml:"burst"`

	// Enabled controls whether request limiting is active.
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		SubmissionsRoot:       "/shared/submissions",
		LogsRoot:              "/shared/logs",
		ArtifactsRoot:         "/shared/artifacts",
		Backend:               BackendRedis,
		QueueURL:              "redis://localhost:6379/0",
		TrackingURI:           "http://localhost:5000",
		MaxSubmissionsPerHour: 50,
		MaxConcurrentRunning:  2,
		Workers:               0,
		DequeueTimeout:        30 * time.Second,
		Interpreter:           "python",
		RequestRate: RequestRateConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			Enabled:           true,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Reason: "failed to read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Reason: "failed to parse config file", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SUBMISSIONS_ROOT"); v != "" {
		c.SubmissionsRoot = v
	}
	if v := os.Getenv("LOGS_ROOT"); v != "" {
		c.LogsRoot = v
	}
	if v := os.Getenv("ARTIFACTS_ROOT"); v != "" {
		c.ArtifactsRoot = v
	}
	if v := os.Getenv("BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		c.QueueURL = v
	}
	if v := os.Getenv("TRACKING_URI"); v != "" {
		c.TrackingURI = v
	}
	if v := os.Getenv("MAX_SUBMISSIONS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSubmissionsPerHour = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentRunning = n
		}
	}
	if v := os.Getenv("API_TOKENS"); v != "" {
		c.APITokens = splitTokens(v)
	}
}

// splitTokens parses a comma-separated token list, dropping empty entries.
func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendMemory:
	default:
		return &errors.ConfigError{Key: "backend", Reason: "must be redis or memory"}
	}
	if c.Backend == BackendRedis && c.QueueURL == "" {
		return &errors.ConfigError{Key: "queue_url", Reason: "required for the redis backend"}
	}
	if c.MaxSubmissionsPerHour <= 0 {
		return &errors.ConfigError{Key: "max_submissions_per_hour", Reason: "must be positive"}
	}
	if c.MaxConcurrentRunning <= 0 {
		return &errors.ConfigError{Key: "max_concurrent_running", Reason: "must be positive"}
	}
	if c.DequeueTimeout <= 0 {
		return &errors.ConfigError{Key: "dequeue_timeout", Reason: "must be positive"}
	}
	return nil
}
