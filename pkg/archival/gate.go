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
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TransferGate enforces orphan-free quiescence during leadership handover
// (spec §4.7): uploads must not be in flight when leadership moves.
//
// uploadsActive is a single-permit semaphore held for the duration of
// every inner-loop iteration that performs uploads; PrepareTransfer
// acquires it to prove no upload is mid-flight, mirroring the original's
// _uploads_active single-permit semaphore.
type TransferGate struct {
	uploadsActive *semaphore.Weighted
	paused        atomic.Bool
}

// NewTransferGate constructs a gate in the unpaused state.
func NewTransferGate() *TransferGate {
	return &TransferGate{uploadsActive: semaphore.NewWeighted(1)}
}

// BeginUploadIteration acquires the uploads-active permit for one inner
// loop iteration. Callers must call EndUploadIteration when the iteration
// finishes, regardless of outcome.
func (g *TransferGate) BeginUploadIteration(ctx context.Context) error {
	return g.uploadsActive.Acquire(ctx, 1)
}

// EndUploadIteration releases the permit acquired by BeginUploadIteration.
func (g *TransferGate) EndUploadIteration() {
	g.uploadsActive.Release(1)
}

// MayBeginUploads reports whether the scheduler may launch new candidates:
// true iff the caller's own leadership/term check passes and the gate is
// not paused for a leadership transfer (spec §4.7:
// "may_begin_uploads() = can_update_archival_metadata() && !_paused").
func (g *TransferGate) MayBeginUploads(canUpdate CanUpdate) bool {
	return canUpdate() && !g.paused.Load()
}

// PrepareTransferLeadership sets paused and waits for the uploads-active
// permit to become free within timeout via ctx's deadline, proving no
// upload is in flight. On success the permit is immediately released
// again (this call only needs to observe quiescence, not hold the gate
// closed — pausing already prevents new iterations from starting).
func (g *TransferGate) PrepareTransferLeadership(ctx context.Context) error {
	g.paused.Store(true)
	if err := g.uploadsActive.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("archival: prepare transfer leadership: %w", err)
	}
	g.uploadsActive.Release(1)
	return nil
}

// CompleteTransferLeadership clears paused; the inner loop resumes
// uploads on its next iteration.
func (g *TransferGate) CompleteTransferLeadership() {
	g.paused.Store(false)
}

// Paused reports whether the gate currently blocks new upload iterations.
func (g *TransferGate) Paused() bool {
	return g.paused.Load()
}
