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
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/novatechflow/kafscale/pkg/objstore"
	"github.com/novatechflow/kafscale/pkg/probe"
)

const defaultConcurrency = 4

// SchedulerConfig controls the upload scheduler's in-flight budget
// (spec §4.2, `_concurrency`, default 4).
type SchedulerConfig struct {
	Concurrency int
}

// Scheduler builds and launches bounded-parallel segment uploads (spec
// §4.2). One Scheduler is owned by one Archiver.
type Scheduler struct {
	policy *Policy
	local  LocalSegmentSource
	store  objstore.Client
	probe  *probe.Probe

	sem         *semaphore.Weighted
	concurrency int
}

// NewScheduler constructs a Scheduler with the teacher's bounded-upload
// idiom: a weighted semaphore shared across every launched future
// (pkg/storage/log.go's s3sem pattern), generalized from "writes" to
// "archival uploads".
func NewScheduler(policy *Policy, local LocalSegmentSource, store objstore.Client, prb *probe.Probe, cfg SchedulerConfig) *Scheduler {
	n := cfg.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	return &Scheduler{
		policy:      policy,
		local:       local,
		store:       store,
		probe:       prb,
		sem:         semaphore.NewWeighted(int64(n)),
		concurrency: n,
	}
}

// RunBatch performs one scheduler pass (spec §4.2 algorithm): build up to
// two upload contexts (non-compacted and, if scanner != nil, compacted),
// launch every candidate's upload as an independent future bounded by the
// concurrency budget, wait for all to resolve, and classify results.
//
// mayBeginUploads gates both candidate generation and launch (spec §4.7:
// "the scheduler consults it before launching candidates"); once it
// starts returning false mid-pass, no further candidates are scheduled but
// already-launched futures still run to completion.
func (s *Scheduler) RunBatch(
	ctx context.Context,
	id PartitionIdentity,
	manifest Manifest,
	lso int64,
	archiverTerm int64,
	mayBeginUploads func() bool,
	scanner ManifestScanner,
) ([]ScheduledUpload, BatchResult) {
	var scheduled []ScheduledUpload

	if mayBeginUploads() {
		from := manifest.LastOffset() + 1
		for len(scheduled) < s.concurrency {
			cand, stop, err := s.policy.NextNonCompactedCandidate(from, lso, archiverTerm)
			if stop || err != nil {
				break
			}
			scheduled = append(scheduled, ScheduledUpload{Candidate: cand})
			from = cand.Meta.CommittedOffset + 1
			if !mayBeginUploads() {
				break
			}
		}
	}

	if scanner != nil && mayBeginUploads() {
		lastCompacted := int64(-1)
		for len(scheduled) < s.concurrency*2 {
			cand, stop, err := s.policy.NextCompactedCandidate(scanner, archiverTerm)
			if stop || err != nil {
				break
			}
			if cand.Meta.BaseOffset <= lastCompacted {
				// The policy returned a run already scheduled in this pass.
				s.releaseLocks(cand)
				break
			}
			lastCompacted = cand.Meta.CommittedOffset
			scheduled = append(scheduled, ScheduledUpload{Candidate: cand})
			if !mayBeginUploads() {
				break
			}
		}
	}

	if len(scheduled) == 0 {
		return scheduled, BatchResult{}
	}

	s.launch(ctx, id, scheduled)
	demoteAfterGap(scheduled)

	for _, su := range scheduled {
		s.releaseLocks(su.Candidate)
	}

	return scheduled, classify(scheduled)
}

func (s *Scheduler) launch(ctx context.Context, id PartitionIdentity, scheduled []ScheduledUpload) {
	var g errgroup.Group
	for i := range scheduled {
		i := i
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				scheduled[i].Outcome = OutcomeCancelled
				scheduled[i].Err = err
				return nil
			}
			defer s.sem.Release(1)
			scheduled[i].Outcome, scheduled[i].Err = s.uploadOne(ctx, id, scheduled[i].Candidate)
			return nil
		})
	}
	_ = g.Wait() // every goroutine above always returns nil; errors live on scheduled[i]
}

func (s *Scheduler) uploadOne(ctx context.Context, id PartitionIdentity, cand UploadCandidate) (UploadOutcome, error) {
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}

	first, last := cand.Segments[0], cand.Segments[len(cand.Segments)-1]
	body, err := s.local.ReadRange(ctx, first.BaseOffset, last.CommittedOffset)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, ctx.Err()
		}
		return OutcomeFailed, err
	}

	key := SegmentObjectKey(id, cand.Meta)
	res := s.store.Put(ctx, key, body, SegmentTags(cand.Meta))
	switch res.Outcome {
	case objstore.PutSuccess:
		// fall through to tx upload
	case objstore.PutTimedOut:
		return OutcomeCancelled, res.Err
	default:
		return OutcomeFailed, res.Err
	}

	txRes := s.store.Put(ctx, TxObjectKey(id, cand.Meta), nil, TxTags(cand.Meta))
	if txRes.Outcome != objstore.PutSuccess {
		return OutcomeFailed, txRes.Err
	}

	if s.probe != nil {
		kind := probe.KindNonCompacted
		if cand.Meta.IsCompacted {
			kind = probe.KindCompacted
		}
		s.probe.SegmentUploaded(kind, cand.Meta.SizeBytes)
	}
	return OutcomeSucceeded, nil
}

func (s *Scheduler) releaseLocks(cand UploadCandidate) {
	for _, base := range cand.heldBases {
		s.local.ReleaseReadLock(base)
	}
}

// demoteAfterGap enforces the no-gap invariant on the batch as a whole
// (spec §4.2 step 4, scenario 4 in §8): within each kind, once an earlier
// candidate (by base offset) did not succeed, every later candidate that
// did succeed is demoted to cancelled, since applying it to the manifest
// would leave a gap. It mutates scheduled in place.
func demoteAfterGap(scheduled []ScheduledUpload) {
	demoteKind := func(kind UploadKind) {
		idx := indicesOfKind(scheduled, kind)
		sort.Slice(idx, func(a, b int) bool {
			return scheduled[idx[a]].Candidate.Meta.BaseOffset < scheduled[idx[b]].Candidate.Meta.BaseOffset
		})
		gap := false
		for _, i := range idx {
			if gap && scheduled[i].Outcome == OutcomeSucceeded {
				scheduled[i].Outcome = OutcomeCancelled
				continue
			}
			if scheduled[i].Outcome != OutcomeSucceeded {
				gap = true
			}
		}
	}
	demoteKind(KindNonCompacted)
	demoteKind(KindCompacted)
}

func indicesOfKind(scheduled []ScheduledUpload, kind UploadKind) []int {
	var out []int
	for i, su := range scheduled {
		if su.Candidate.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

func classify(scheduled []ScheduledUpload) BatchResult {
	var br BatchResult
	for _, su := range scheduled {
		target := &br.NonCompacted
		if su.Candidate.Kind == KindCompacted {
			target = &br.Compacted
		}
		switch su.Outcome {
		case OutcomeSucceeded:
			target.Succeeded++
		case OutcomeFailed:
			target.Failed++
		case OutcomeCancelled:
			target.Cancelled++
		}
	}
	return br
}

// SucceededSegments returns the manifest-ready segment metadata for every
// scheduled upload that ultimately succeeded, both kinds together, in
// increasing base-offset order. Call after demoteAfterGap has run (i.e. after
// RunBatch returns) so the result is already gap-free.
func SucceededSegments(scheduled []ScheduledUpload) []SegmentMetadata {
	var out []SegmentMetadata
	for _, su := range scheduled {
		if su.Outcome == OutcomeSucceeded {
			out = append(out, su.Candidate.Meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseOffset < out[j].BaseOffset })
	return out
}
