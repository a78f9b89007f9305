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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novatechflow/kafscale/pkg/cache"
	"github.com/novatechflow/kafscale/pkg/leaderterm"
	"github.com/novatechflow/kafscale/pkg/objstore"
	"github.com/novatechflow/kafscale/pkg/probe"
)

// Mode selects the archiver's role for one partition (spec §4.1: producer
// mode uploads, read-replica mode only ingests the remote manifest).
type Mode string

const (
	ModeProducer    Mode = "producer"
	ModeReadReplica Mode = "read_replica"
)

// TermSource is the narrow consensus/replication collaborator interface
// (spec §1): who leads a partition, and under what term. leaderterm.EtcdSource
// satisfies it directly.
type TermSource interface {
	Acquire(ctx context.Context, p leaderterm.PartitionID) (leaderterm.Term, error)
	Current(p leaderterm.PartitionID) leaderterm.Term
	Release(p leaderterm.PartitionID)
}

// ArchiverConfig wires every collaborator an Archiver needs for one
// partition (spec §2's component list, plus the ambient knobs each
// sub-component exposes).
type ArchiverConfig struct {
	Identity PartitionIdentity
	Mode     Mode

	Local LocalSegmentSource
	Store objstore.Client
	Terms TermSource

	// LSO reports the current last stable offset (spec §4.2: "an input...
	// callers may override the LSO for tests").
	LSO func() int64

	Policy       PolicyConfig
	Scheduler    SchedulerConfig
	Housekeeping HousekeepingConfig
	ReplicaSync  ReplicaSyncConfig

	// CompactedScanner selects manifest segments eligible for compacted
	// reupload (spec §4.3); nil disables the compacted upload context.
	CompactedScanner ManifestScanner

	// UploadLoopInterval is the delay between scheduler passes while no new
	// work is available (spec §4.1's sleep-until-signalled loop, modeled
	// here as a jittered poll).
	UploadLoopInterval time.Duration
	// RetryInterval is the delay between leadership acquisition attempts
	// in the outer abort loop.
	RetryInterval  time.Duration
	JitterFraction float64

	Probe  *probe.Probe
	Logger *slog.Logger
}

// Archiver is the per-partition cloud archiver actor (spec §2, §4.1): a
// leadership loop driving either an upload scheduler (producer mode) or a
// manifest syncer (read-replica mode), plus periodic housekeeping.
//
// Every archival metadata mutation — scheduler batch apply, housekeeping
// retention/GC/merge, topic-config-dirty reupload — serializes through mu,
// resolving Open Question (a): the manifest never sees an interleaved
// compacted-reupload-replace and retention-advance.
type Archiver struct {
	cfg         ArchiverConfig
	partitionID leaderterm.PartitionID

	manifest     *ManifestStore
	policy       *Policy
	scheduler    *Scheduler
	housekeeping *Housekeeping
	gate         *TransferGate
	replicaSync  *ReplicaSyncer
	probe        *probe.Probe
	logger       *slog.Logger

	mu         sync.Mutex
	topicDirty atomic.Bool
}

// NewArchiver constructs an Archiver from its collaborators. replicator
// drives the three consensus-replicated manifest commands (spec §4.4).
// The read-replica syncer gets its own cache.ManifestCache for idempotent
// ingestion.
func NewArchiver(cfg ArchiverConfig, replicator Replicator) *Archiver {
	if cfg.UploadLoopInterval <= 0 {
		cfg.UploadLoopInterval = 100 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manifest := NewManifestStore(Manifest{Identity: cfg.Identity}, replicator)
	policy := NewPolicy(cfg.Local, cfg.Policy)

	a := &Archiver{
		cfg:          cfg,
		partitionID:  leaderterm.PartitionID{Topic: cfg.Identity.Topic, Partition: cfg.Identity.Partition},
		manifest:     manifest,
		policy:       policy,
		scheduler:    NewScheduler(policy, cfg.Local, cfg.Store, cfg.Probe, cfg.Scheduler),
		housekeeping: NewHousekeeping(cfg.Identity, manifest, cfg.Store, cfg.Probe, cfg.Housekeeping),
		gate:         NewTransferGate(),
		probe:        cfg.Probe,
		logger:       logger,
	}
	a.replicaSync = NewReplicaSyncer(cfg.Identity, manifest, cfg.Store, cache.NewManifestCache(), cfg.ReplicaSync)
	return a
}

// Manifest returns a consistent snapshot of the current manifest, for
// callers (read paths, diagnostics) that don't need the mutation API.
func (a *Archiver) Manifest() Manifest {
	return a.manifest.Snapshot()
}

// Gate exposes the transfer gate so an external leadership-transfer
// initiator can call PrepareTransferLeadership/CompleteTransferLeadership
// (spec §4.7) around a handover.
func (a *Archiver) Gate() *TransferGate {
	return a.gate
}

// NotifyTopicConfigChanged marks the manifest dirty so the next producer
// iteration re-uploads it even with no new segments (supplemented feature,
// original's notify_topic_config / _topic_manifest_dirty).
func (a *Archiver) NotifyTopicConfigChanged() {
	a.topicDirty.Store(true)
}

// MaybeTruncateManifest probes the remote store once for this partition's
// manifest and, if one exists and is ahead of local state, reconciles
// local state to match (spec §4.4 maybe_truncate_manifest). It is meant
// to run once at archiver startup, before the first producer upload
// iteration, so a newly-elected leader never re-schedules ranges a prior
// leader already tiered. A missing remote manifest is not an error: it
// just means nothing has been uploaded for this partition yet.
func (a *Archiver) MaybeTruncateManifest(ctx context.Context) error {
	data, found, err := fetchRemoteManifestBytes(ctx, a.cfg.Store, a.cfg.Identity)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	remote, err := DecodeManifest(data)
	if err != nil {
		return fmt.Errorf("archival: decode remote manifest: %w", err)
	}

	a.manifest.ReplaceRemoteManifest(remote)
	return nil
}

// Run is the outer abort loop (spec §4.1): repeatedly try to acquire
// leadership and, once acquired, run the inner term loop until the term
// changes or ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	if err := a.MaybeTruncateManifest(ctx); err != nil {
		a.logger.Warn("startup manifest reconcile failed, continuing with local state",
			"topic", a.cfg.Identity.Topic, "partition", a.cfg.Identity.Partition, "error", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		term, err := a.cfg.Terms.Acquire(ctx, a.partitionID)
		if err != nil {
			a.logger.Debug("archiver not leader, retrying", "topic", a.cfg.Identity.Topic, "partition", a.cfg.Identity.Partition, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(a.cfg.RetryInterval, a.cfg.JitterFraction)):
				continue
			}
		}

		a.logger.Info("archiver acquired leadership", "topic", a.cfg.Identity.Topic, "partition", a.cfg.Identity.Partition, "term", term.Number, "mode", a.cfg.Mode)
		a.runTerm(ctx, term.Number)
	}
}

// runTerm is the inner term loop: it runs producer or read-replica work
// until canUpdate reports false (term changed, lost leadership) or ctx is
// cancelled, then returns control to the outer loop (spec §4.1: "start_term
// latches the term this inner loop is valid for").
func (a *Archiver) runTerm(ctx context.Context, term int64) {
	termCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	canUpdate := func() bool {
		cur := a.cfg.Terms.Current(a.partitionID)
		return cur.IsLeader && cur.Number == term
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchTerm(termCtx, cancel, canUpdate)
	}()

	if a.cfg.Mode == ModeReadReplica {
		a.replicaSync.Run(termCtx, canUpdate)
	} else {
		a.uploadUntilTermChange(termCtx, term, canUpdate)
	}

	cancel()
	wg.Wait()
}

// watchTerm polls canUpdate and cancels cancel once this replica is no
// longer the valid leader for the latched term, unblocking the inner loop
// promptly instead of waiting for its next poll interval.
func (a *Archiver) watchTerm(ctx context.Context, cancel context.CancelFunc, canUpdate CanUpdate) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !canUpdate() {
				cancel()
				return
			}
		}
	}
}

// uploadUntilTermChange is producer mode's inner loop (spec §4.1
// upload_until_term_change): each iteration runs one scheduler pass
// through the transfer gate, applies successful uploads to the manifest,
// and runs housekeeping on its own jittered cadence.
func (a *Archiver) uploadUntilTermChange(ctx context.Context, term int64, canUpdate CanUpdate) {
	nextHousekeeping := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if !a.gate.MayBeginUploads(canUpdate) {
			if !a.sleep(ctx, a.cfg.UploadLoopInterval) {
				return
			}
			continue
		}

		if err := a.gate.BeginUploadIteration(ctx); err != nil {
			return
		}
		result, uploaded := a.runUploadIteration(ctx, term, canUpdate)
		a.gate.EndUploadIteration()
		if result.NonCompacted.Failed > 0 || result.Compacted.Failed > 0 {
			a.logger.Warn("upload batch had failures, will retry next iteration",
				"topic", a.cfg.Identity.Topic, "partition", a.cfg.Identity.Partition,
				"non_compacted_failed", result.NonCompacted.Failed, "compacted_failed", result.Compacted.Failed)
		}

		if time.Now().After(nextHousekeeping) {
			a.runHousekeeping(ctx, term, canUpdate)
			nextHousekeeping = time.Now().Add(a.housekeeping.NextInterval())
		}

		if !uploaded && !a.sleep(ctx, jitter(a.cfg.UploadLoopInterval, a.cfg.JitterFraction)) {
			return
		}
	}
}

// runUploadIteration builds candidates via the scheduler, applies every
// succeeded upload to the manifest (or, if none succeeded but the topic
// manifest is dirty, re-uploads the manifest unchanged), and returns the
// batch classification plus whether anything was applied.
func (a *Archiver) runUploadIteration(ctx context.Context, term int64, canUpdate CanUpdate) (BatchResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.manifest.Snapshot()
	lso := int64(0)
	if a.cfg.LSO != nil {
		lso = a.cfg.LSO()
	}

	scheduled, result := a.scheduler.RunBatch(ctx, a.cfg.Identity, snap, lso, term, func() bool { return a.gate.MayBeginUploads(canUpdate) }, a.cfg.CompactedScanner)

	if a.probe != nil {
		for _, su := range scheduled {
			kind := probe.KindNonCompacted
			if su.Candidate.Kind == KindCompacted {
				kind = probe.KindCompacted
			}
			switch su.Outcome {
			case OutcomeFailed:
				a.probe.SegmentFailed(kind)
			case OutcomeCancelled:
				a.probe.SegmentCancelled(kind)
			}
		}
	}

	succeeded := SucceededSegments(scheduled)
	applied := false
	if len(succeeded) > 0 {
		if err := a.manifest.AddSegments(ctx, term, canUpdate, succeeded); err != nil {
			a.logger.Warn("apply uploaded segments to manifest failed", "error", err)
		} else {
			applied = true
		}
	}

	if applied || a.topicDirty.Load() {
		if err := a.uploadManifestLocked(ctx); err != nil {
			a.logger.Warn("manifest reupload failed, will retry", "error", err)
		} else {
			a.topicDirty.Store(false)
		}
	}

	if a.probe != nil {
		after := a.manifest.Snapshot()
		backlog := lso - after.LastOffset()
		if backlog < 0 {
			backlog = 0
		}
		// Convert the offset gap to bytes using the average bytes per offset
		// of the uploaded segments; with none uploaded yet the offset gap is
		// reported as is.
		var sizeBytes, offsets int64
		for _, seg := range after.Segments {
			sizeBytes += seg.SizeBytes
			offsets += seg.CommittedOffset - seg.BaseOffset + 1
		}
		if offsets > 0 {
			backlog = int64(float64(backlog) * float64(sizeBytes) / float64(offsets))
		}
		a.probe.SetBacklogBytes(backlog)
	}

	return result, applied
}

// uploadManifestLocked serializes the current manifest and puts it to the
// object store under its well-known key (spec §4.4). Callers must hold mu.
func (a *Archiver) uploadManifestLocked(ctx context.Context) error {
	snap := a.manifest.Snapshot()
	body := EncodeManifest(snap)
	res := a.cfg.Store.Put(ctx, ManifestObjectKey(a.cfg.Identity), body, ManifestTags(a.cfg.Identity))
	if res.Outcome != objstore.PutSuccess {
		return res.Err
	}
	if a.probe != nil {
		a.probe.ManifestUploaded(int64(len(body)))
	}
	return nil
}

// runHousekeeping performs one retention/GC/merge cycle, serialized with
// the scheduler's manifest mutations via mu (spec §9 Open Question (a)).
func (a *Archiver) runHousekeeping(ctx context.Context, term int64, canUpdate CanUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.housekeeping.ApplyRetention(ctx, term, canUpdate); err != nil {
		a.logger.Warn("retention advance failed", "error", err)
	}
	if _, err := a.housekeeping.GarbageCollect(ctx, term, canUpdate); err != nil {
		a.logger.Warn("garbage collect failed", "error", err)
	}
	for _, run := range a.housekeeping.MergeCandidateRuns() {
		if err := a.housekeeping.MergeRun(ctx, term, canUpdate, run); err != nil {
			a.logger.Warn("adjacent-segment merge failed", "error", err)
		}
	}
}

// sleep waits for d or ctx cancellation, reporting whether it completed
// without cancellation.
func (a *Archiver) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
