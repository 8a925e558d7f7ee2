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

// Package gate enforces the per-user admission caps: a rolling hourly
// submission limit and a cap on concurrently running jobs. Both
// counters are checked in one atomic step so two concurrent admissions
// cannot both squeeze past a cap.
package gate

import "context"

// Gate is the capability interface over admission control.
type Gate interface {
	// TryAdmit checks both caps and, if admission is granted, consumes
	// one hourly slot. The running cap is checked first, so a refusal
	// with the running cap reached is a concurrency refusal even when
	// the hourly cap is also reached.
	TryAdmit(ctx context.Context, userID string, maxConcurrency, maxRate int) (bool, error)

	// DecrHourly releases one hourly slot. Used to roll back a granted
	// admission when a later step of job creation fails.
	DecrHourly(ctx context.Context, userID string) error

	// HourlyCount returns the current hourly counter value.
	HourlyCount(ctx context.Context, userID string) (int, error)
}
