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

package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/leaderboard/internal/state"
)

// RateKeyPrefix prefixes the per-user hourly counter key.
const RateKeyPrefix = "rate:"

// rateWindow is the rolling window applied to the hourly counter on
// every consumed slot.
const rateWindow = time.Hour

// admitScript checks both caps and consumes one hourly slot in a
// single server-side step. KEYS[1] is the running counter, KEYS[2] the
// hourly counter; ARGV[1] is the running cap, ARGV[2] the hourly cap.
var admitScript = redis.NewScript(`
local running = tonumber(redis.call('GET', KEYS[1]) or '0')
if running >= tonumber(ARGV[1]) then
  return 0
end
local rate = tonumber(redis.call('GET', KEYS[2]) or '0')
if rate >= tonumber(ARGV[2]) then
  return 0
end
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], 3600)
return 1
`)

// RedisGate enforces the caps against the shared Redis counters.
type RedisGate struct {
	client   *redis.Client
	counters state.Store
}

// NewRedisGate creates a Redis-backed gate. counters is consulted
// before each admission so an expired running counter is rebuilt
// before the script reads it.
func NewRedisGate(client *redis.Client, counters state.Store) *RedisGate {
	return &RedisGate{client: client, counters: counters}
}

// RateKey returns the per-user hourly counter key.
func RateKey(userID string) string {
	return RateKeyPrefix + userID
}

// TryAdmit checks both caps and, if admission is granted, consumes one
// hourly slot.
func (g *RedisGate) TryAdmit(ctx context.Context, userID string, maxConcurrency, maxRate int) (bool, error) {
	// Rebuild the running counter if it has expired, so the script
	// reads an authoritative value.
	if _, err := g.counters.CountRunning(ctx, userID); err != nil {
		return false, err
	}

	keys := []string{state.RunningKey(userID), RateKey(userID)}
	res, err := admitScript.Run(ctx, g.client, keys, maxConcurrency, maxRate).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run admission script: %w", err)
	}
	return res == 1, nil
}

// DecrHourly releases one hourly slot.
func (g *RedisGate) DecrHourly(ctx context.Context, userID string) error {
	if err := g.client.Decr(ctx, RateKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to release hourly slot: %w", err)
	}
	return g.client.Expire(ctx, RateKey(userID), rateWindow).Err()
}

// HourlyCount returns the current hourly counter value.
func (g *RedisGate) HourlyCount(ctx context.Context, userID string) (int, error) {
	n, err := g.client.Get(ctx, RateKey(userID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read hourly counter: %w", err)
	}
	return n, nil
}
