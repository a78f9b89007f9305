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

package main

import (
	"context"
	"sync/atomic"

	"github.com/novatechflow/kafscale/pkg/archival"
	"github.com/novatechflow/kafscale/pkg/leaderterm"
)

// staticTermSource grants leadership of every partition unconditionally
// under a fixed term, for running this binary without an etcd cluster.
type staticTermSource struct{}

func newStaticTermSource() *staticTermSource { return &staticTermSource{} }

func (staticTermSource) Acquire(ctx context.Context, p leaderterm.PartitionID) (leaderterm.Term, error) {
	return leaderterm.Term{Number: 1, IsLeader: true}, nil
}

func (staticTermSource) Current(p leaderterm.PartitionID) leaderterm.Term {
	return leaderterm.Term{Number: 1, IsLeader: true}
}

func (staticTermSource) Release(p leaderterm.PartitionID) {}

// selfReplicator implements archival.Replicator by acknowledging every
// mutation at once and handing out a monotonically increasing insync
// offset (the ManifestStore applies the mutation itself), standing in for the excluded consensus/replication layer (spec
// §1) when running this binary without one attached.
type selfReplicator struct {
	insync atomic.Int64
}

func newSelfReplicator() *selfReplicator { return &selfReplicator{} }

func (r *selfReplicator) AddSegments(ctx context.Context, term int64, segments []archival.SegmentMetadata) (int64, error) {
	return r.insync.Add(1), nil
}

func (r *selfReplicator) AdvanceStartOffset(ctx context.Context, term int64, offset int64) (int64, error) {
	return r.insync.Add(1), nil
}

func (r *selfReplicator) RemoveSegments(ctx context.Context, term int64, segments []archival.SegmentMetadata) (int64, error) {
	return r.insync.Add(1), nil
}
