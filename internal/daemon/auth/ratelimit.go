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

package auth

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/leaderboard/internal/daemon/httputil"
)

// RateLimitConfig contains request rate limiting configuration. This
// limits HTTP request volume per token and is independent of the
// hourly submission cap enforced at admission.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per user.
	RequestsPerSecond float64

	// BurstSize is the token bucket capacity.
	BurstSize int

	// Enabled controls whether limiting is active.
	Enabled bool
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-user token bucket to incoming requests.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	config   RateLimitConfig
}

// NewRateLimiter creates a rate limiter, applying defaults of 10 rps
// with a burst of 20.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimiter{
		limiters: make(map[string]*userLimiter),
		config:   cfg,
	}
}

// Allow reports whether a request from the given user may proceed.
func (rl *RateLimiter) Allow(userID string) bool {
	if !rl.config.Enabled {
		return true
	}
	if userID == "" {
		userID = "_anonymous_"
	}

	rl.mu.Lock()
	ul, ok := rl.limiters[userID]
	if !ok {
		ul = &userLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[userID] = ul
	}
	ul.lastSeen = time.Now()
	rl.mu.Unlock()

	return ul.limiter.Allow()
}

// Cleanup drops limiters idle for longer than maxAge so one-time
// tokens do not accumulate.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for userID, ul := range rl.limiters {
		if ul.lastSeen.Before(cutoff) {
			delete(rl.limiters, userID)
		}
	}
}

// Middleware wraps an http.Handler with per-user rate limiting. It
// must run after the auth middleware so the user id is available.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.Allow(UserID(r.Context())) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
