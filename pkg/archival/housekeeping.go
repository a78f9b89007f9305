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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/novatechflow/kafscale/pkg/objstore"
	"github.com/novatechflow/kafscale/pkg/probe"
)

// RetentionConfig expresses the configured retention policy (spec §4.5:
// "size-based, time-based, or both").
type RetentionConfig struct {
	// MaxTotalBytes, if >0, retains only the most recent segments whose
	// combined size is at most this many bytes.
	MaxTotalBytes int64
	// MaxAge, if >0, retains only segments whose MaxTimestamp is within
	// this duration of now.
	MaxAge time.Duration
	// KeepLastRecords, if >0, retains only the last N records (the
	// literal form used in spec §8 scenario 3, "keep last 500 records").
	KeepLastRecords int64
}

// HousekeepingConfig configures the housekeeping engine (spec §4.5).
type HousekeepingConfig struct {
	Interval                   time.Duration
	JitterFraction             float64
	MaxSegmentsPendingDeletion int
	SegmentMergingEnabled      bool
	MergeTargetSizeBytes       int64
	Retention                  RetentionConfig
	Logger                     *slog.Logger
}

// Housekeeping runs retention advancement, garbage collection, and
// adjacent-segment merging (spec §4.5). It shares the archiver's mutex and
// abort source through the canUpdate/ctx the caller supplies per method;
// failures are logged and retried on the next cycle, never fatal.
type Housekeeping struct {
	cfg      HousekeepingConfig
	id       PartitionIdentity
	manifest *ManifestStore
	store    objstore.Client
	probe    *probe.Probe
	logger   *slog.Logger
}

// NewHousekeeping constructs a Housekeeping engine for one partition.
func NewHousekeeping(id PartitionIdentity, manifest *ManifestStore, store objstore.Client, prb *probe.Probe, cfg HousekeepingConfig) *Housekeeping {
	if cfg.MaxSegmentsPendingDeletion <= 0 {
		cfg.MaxSegmentsPendingDeletion = 32
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeping{cfg: cfg, id: id, manifest: manifest, store: store, probe: prb, logger: logger}
}

// NextInterval returns the jittered delay until the next housekeeping
// cycle (spec §4.5: "default jitter ≈10%").
func (h *Housekeeping) NextInterval() time.Duration {
	return jitter(h.cfg.Interval, h.cfg.JitterFraction)
}

// ApplyRetention advances start_offset according to the configured
// retention policy. It never deletes data (spec §4.5: "Never delete data
// here — only advance the frontier").
func (h *Housekeeping) ApplyRetention(ctx context.Context, term int64, canUpdate CanUpdate) error {
	snap := h.manifest.Snapshot()
	newStart := retentionFrontier(snap, h.cfg.Retention)
	if newStart <= snap.StartOffset {
		return nil
	}
	if err := h.manifest.AdvanceStartOffset(ctx, term, canUpdate, newStart); err != nil {
		h.logger.Warn("apply retention failed, will retry next cycle", "error", err)
		return err
	}
	return nil
}

func retentionFrontier(m Manifest, r RetentionConfig) int64 {
	frontier := m.StartOffset

	if r.KeepLastRecords > 0 && len(m.Segments) > 0 {
		lastCommitted := m.Segments[len(m.Segments)-1].CommittedOffset
		candidate := lastCommitted - r.KeepLastRecords + 1
		if candidate > frontier {
			frontier = candidate
		}
	}

	if r.MaxTotalBytes > 0 {
		var total int64
		keepFrom := m.StartOffset
		for i := len(m.Segments) - 1; i >= 0; i-- {
			seg := m.Segments[i]
			if total+seg.SizeBytes > r.MaxTotalBytes {
				keepFrom = seg.CommittedOffset + 1
				break
			}
			total += seg.SizeBytes
		}
		if keepFrom > frontier {
			frontier = keepFrom
		}
	}

	if r.MaxAge > 0 {
		cutoff := time.Now().Add(-r.MaxAge)
		for _, seg := range m.Segments {
			if seg.MaxTimestamp.Before(cutoff) {
				if seg.CommittedOffset+1 > frontier {
					frontier = seg.CommittedOffset + 1
				}
			}
		}
	}

	return frontier
}

// GarbageCollect deletes objects whose committed_offset < start_offset,
// in a bounded batch per cycle (spec §4.5: `_max_segments_pending_deletion`
// protects the object store from bursts). A segment is removed from the
// manifest only once its primary object is confirmed deleted; the
// transactional side-channel is deleted best-effort afterward, and its
// failure does not block the manifest update.
func (h *Housekeeping) GarbageCollect(ctx context.Context, term int64, canUpdate CanUpdate) (int, error) {
	snap := h.manifest.Snapshot()

	var eligible []SegmentMetadata
	for _, seg := range snap.Segments {
		if seg.CommittedOffset >= snap.StartOffset {
			continue
		}
		eligible = append(eligible, seg)
		if len(eligible) >= h.cfg.MaxSegmentsPendingDeletion {
			break
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	var confirmed []SegmentMetadata
	for _, seg := range eligible {
		res := h.store.Delete(ctx, SegmentObjectKey(h.id, seg))
		if res.Outcome != objstore.DeleteSuccess && res.Outcome != objstore.DeleteNotFound {
			h.logger.Warn("gc delete failed, retrying next cycle", "base_offset", seg.BaseOffset, "error", res.Err)
			continue
		}
		h.store.Delete(ctx, TxObjectKey(h.id, seg))
		confirmed = append(confirmed, seg)
		if h.probe != nil {
			h.probe.GCDeletion()
		}
	}
	if len(confirmed) == 0 {
		return 0, nil
	}
	if err := h.manifest.RemoveSegments(ctx, term, canUpdate, confirmed); err != nil {
		return len(confirmed), err
	}
	return len(confirmed), nil
}

// MergeCandidateRuns groups adjacent manifest segments into runs whose
// combined size stays under MergeTargetSizeBytes, for the adjacent-segment
// merge job (spec §4.5). Only non-compacted runs of at least 2 segments
// are returned; callers feed each run into MergeRun.
func (h *Housekeeping) MergeCandidateRuns() [][]SegmentMetadata {
	if !h.cfg.SegmentMergingEnabled {
		return nil
	}
	target := h.cfg.MergeTargetSizeBytes
	if target <= 0 {
		target = 64 * 1024 * 1024
	}

	snap := h.manifest.Snapshot()
	var runs [][]SegmentMetadata
	var current []SegmentMetadata
	var size int64

	flush := func() {
		if len(current) >= 2 {
			runs = append(runs, current)
		}
		current = nil
		size = 0
	}

	for _, seg := range snap.Segments {
		if seg.IsCompacted || seg.SizeBytes >= target {
			flush()
			continue
		}
		if size+seg.SizeBytes > target {
			flush()
		}
		current = append(current, seg)
		size += seg.SizeBytes
	}
	flush()
	return runs
}

// MergeRun downloads every segment in run, concatenates their bodies, and
// reuploads the result as one compacted object replacing the run in the
// manifest (spec §4.5 adjacent-segment merge; §4.4 reupload normalisation
// handles the manifest replace). The superseded objects are deleted once
// the manifest replace succeeds.
func (h *Housekeeping) MergeRun(ctx context.Context, term int64, canUpdate CanUpdate, run []SegmentMetadata) error {
	if len(run) < 2 {
		return nil
	}

	var merged bytes.Buffer
	for _, seg := range run {
		res := h.store.Get(ctx, SegmentObjectKey(h.id, seg))
		if res.Outcome != objstore.GetFound {
			return fmt.Errorf("archival: merge run: fetch segment %d: %v", seg.BaseOffset, res.Err)
		}
		merged.Write(res.Bytes)
	}

	first, last := run[0], run[len(run)-1]
	mergedMeta := SegmentMetadata{
		BaseOffset:      first.BaseOffset,
		CommittedOffset: last.CommittedOffset,
		DeltaOffset:     first.DeltaOffset,
		SizeBytes:       int64(merged.Len()),
		MaxTimestamp:    last.MaxTimestamp,
		ArchiverTerm:    term,
		SegmentTerm:     last.SegmentTerm,
		IsCompacted:     true,
	}

	putRes := h.store.Put(ctx, SegmentObjectKey(h.id, mergedMeta), merged.Bytes(), SegmentTags(mergedMeta))
	if putRes.Outcome != objstore.PutSuccess {
		return fmt.Errorf("archival: merge run: upload merged segment: %v", putRes.Err)
	}

	if err := h.manifest.AddSegments(ctx, term, canUpdate, []SegmentMetadata{mergedMeta}); err != nil {
		return fmt.Errorf("archival: merge run: replace manifest entries: %w", err)
	}

	for _, seg := range run {
		h.store.Delete(ctx, SegmentObjectKey(h.id, seg))
		h.store.Delete(ctx, TxObjectKey(h.id, seg))
	}
	return nil
}
