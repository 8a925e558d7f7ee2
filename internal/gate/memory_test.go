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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/leaderboard/internal/state"
)

func TestMemoryGateRateCap(t *testing.T) {
	store := state.NewMemoryStore()
	g := NewMemoryGate(store)
	ctx := context.Background()

	ok, err := g.TryAdmit(ctx, "bob", 2, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.TryAdmit(ctx, "bob", 2, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// Third admission is refused and the counter stays at the cap.
	ok, err = g.TryAdmit(ctx, "bob", 2, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := g.HourlyCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryGateConcurrencyCap(t *testing.T) {
	store := state.NewMemoryStore()
	g := NewMemoryGate(store)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "jid1", "sid1", "bob"))
	require.NoError(t, store.Update(ctx, "jid1", state.StatusRunning, nil))

	ok, err := g.TryAdmit(ctx, "bob", 1, 50)
	require.NoError(t, err)
	assert.False(t, ok)

	// A concurrency refusal consumes no hourly slot.
	n, err := g.HourlyCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryGateRollback(t *testing.T) {
	store := state.NewMemoryStore()
	g := NewMemoryGate(store)
	ctx := context.Background()

	ok, err := g.TryAdmit(ctx, "bob", 2, 2)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.DecrHourly(ctx, "bob"))

	n, err := g.HourlyCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryGateConcurrentAdmissions(t *testing.T) {
	store := state.NewMemoryStore()
	g := NewMemoryGate(store)
	ctx := context.Background()

	const attempts = 50
	const limit = 10

	var wg sync.WaitGroup
	admitted := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.TryAdmit(ctx, "eve", attempts, limit)
			if err == nil && ok {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, limit, count)

	n, err := g.HourlyCount(ctx, "eve")
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}
