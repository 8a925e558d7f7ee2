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

package daemon

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/leaderboard/internal/config"
	"github.com/tombee/leaderboard/internal/gate"
	"github.com/tombee/leaderboard/internal/queue"
	"github.com/tombee/leaderboard/internal/state"
)

// Backend bundles the state store, queue and admission gate behind one
// switchable seam.
type Backend struct {
	State state.Store
	Queue queue.Queue
	Gate  gate.Gate

	client *redis.Client
}

// OpenBackend builds the backend selected by the configuration.
func OpenBackend(cfg *config.Config) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("invalid queue URL: %w", err)
		}
		client := redis.NewClient(opts)
		st := state.NewRedisStore(client)
		return &Backend{
			State:  st,
			Queue:  queue.NewRedisQueue(client),
			Gate:   gate.NewRedisGate(client, st),
			client: client,
		}, nil

	case config.BackendMemory:
		st := state.NewMemoryStore()
		return &Backend{
			State: st,
			Queue: queue.NewMemoryQueue(),
			Gate:  gate.NewMemoryGate(st),
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Close releases the backend's resources.
func (b *Backend) Close() error {
	if err := b.Queue.Close(); err != nil {
		return err
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
