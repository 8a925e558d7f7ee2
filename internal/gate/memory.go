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

	"github.com/tombee/leaderboard/internal/state"
)

// MemoryGate delegates to the in-memory state store, which holds both
// counters under a single lock.
type MemoryGate struct {
	store *state.MemoryStore
}

// NewMemoryGate creates a gate over the given in-memory store.
func NewMemoryGate(store *state.MemoryStore) *MemoryGate {
	return &MemoryGate{store: store}
}

// TryAdmit checks both caps and, if admission is granted, consumes one
// hourly slot.
func (g *MemoryGate) TryAdmit(ctx context.Context, userID string, maxConcurrency, maxRate int) (bool, error) {
	return g.store.TryAdmit(userID, maxConcurrency, maxRate), nil
}

// DecrHourly releases one hourly slot.
func (g *MemoryGate) DecrHourly(ctx context.Context, userID string) error {
	g.store.DecrHourly(userID)
	return nil
}

// HourlyCount returns the current hourly counter value.
func (g *MemoryGate) HourlyCount(ctx context.Context, userID string) (int, error) {
	return g.store.HourlyCount(userID), nil
}
