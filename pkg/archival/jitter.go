// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package archival

import (
	"math/rand"
	"time"
)

// jitter returns base scaled by a uniform random factor in
// [1-fraction, 1+fraction]. Used for the producer-mode empty-work backoff
// (spec §4.1, base 100ms) and the housekeeping schedule (spec §4.5,
// default ~10% jitter) — no backoff/jitter library appears anywhere in the
// corpus, so this mirrors the teacher's own math/rand use for scheduling
// randomness (pkg/broker/coordinator.go rebalance delay).
func jitter(base time.Duration, fraction float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if fraction <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(base) * (1 + delta))
}
