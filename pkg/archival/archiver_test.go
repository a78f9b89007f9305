package archival

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/novatechflow/kafscale/pkg/leaderterm"
	"github.com/novatechflow/kafscale/pkg/objstore"
)

type fakeTermSource struct {
	mu         sync.Mutex
	term       leaderterm.Term
	acquireErr error
}

func (f *fakeTermSource) Acquire(ctx context.Context, p leaderterm.PartitionID) (leaderterm.Term, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return leaderterm.Term{}, f.acquireErr
	}
	return f.term, nil
}

func (f *fakeTermSource) Current(p leaderterm.PartitionID) leaderterm.Term {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.term
}

func (f *fakeTermSource) Release(p leaderterm.PartitionID) {}

func (f *fakeTermSource) setTerm(t leaderterm.Term) {
	f.mu.Lock()
	f.term = t
	f.mu.Unlock()
}

func newTestArchiver(local LocalSegmentSource, store *selectiveFailClient, lso int64) *Archiver {
	return NewArchiver(ArchiverConfig{
		Identity:  testID,
		Mode:      ModeProducer,
		Local:     local,
		Store:     store,
		LSO:       func() int64 { return lso },
		Policy:    PolicyConfig{TargetSegmentSizeBytes: 500},
		Scheduler: SchedulerConfig{Concurrency: 4},
	}, &fakeReplicator{})
}

// One producer iteration applies succeeded uploads to the manifest and
// reuploads the manifest object itself (spec §4.1/§4.4).
func TestArchiverUploadIterationAppliesManifestAndUploadsIt(t *testing.T) {
	local := newFakeLocalLog()
	local.addSegment(makeSegment(0, 499, 1, 500), []byte("body-0"))
	local.addSegment(makeSegment(500, 999, 1, 500), []byte("body-500"))
	store := newSelectiveFailClient()

	a := newTestArchiver(local, store, 999)

	result, applied := a.runUploadIteration(context.Background(), 1, alwaysCanUpdate)
	if !applied {
		t.Fatalf("expected the first iteration to apply uploaded segments")
	}
	if result.NonCompacted.Succeeded != 2 {
		t.Fatalf("expected 2 succeeded uploads, got %+v", result)
	}

	snap := a.Manifest()
	if len(snap.Segments) != 2 {
		t.Fatalf("expected manifest to have 2 segments, got %+v", snap.Segments)
	}
	if !store.Has(ManifestObjectKey(testID)) {
		t.Fatalf("expected the manifest object to be uploaded")
	}

	decoded, err := DecodeManifest(store.Get(context.Background(), ManifestObjectKey(testID)).Bytes)
	if err != nil {
		t.Fatalf("decode uploaded manifest: %v", err)
	}
	if len(decoded.Segments) != 2 {
		t.Fatalf("uploaded manifest out of sync with in-memory state: %+v", decoded)
	}
}

// A topic-config-dirty flag forces a manifest reupload even with no new
// segments (supplemented feature, original's _topic_manifest_dirty).
func TestArchiverNotifyTopicConfigChangedForcesManifestReupload(t *testing.T) {
	local := newFakeLocalLog()
	store := newSelectiveFailClient()
	a := newTestArchiver(local, store, 0)

	if store.Has(ManifestObjectKey(testID)) {
		t.Fatalf("manifest should not be uploaded before any dirty signal")
	}

	a.NotifyTopicConfigChanged()
	_, applied := a.runUploadIteration(context.Background(), 1, alwaysCanUpdate)
	if applied {
		t.Fatalf("no segments were uploaded, so applied should report false even though the manifest reuploaded")
	}
	if !store.Has(ManifestObjectKey(testID)) {
		t.Fatalf("expected dirty flag to force a manifest reupload")
	}

	// The dirty flag is cleared after the forced reupload: deleting the
	// object and running again should not re-create it.
	store.Delete(context.Background(), ManifestObjectKey(testID))
	a.runUploadIteration(context.Background(), 1, alwaysCanUpdate)
	if store.Has(ManifestObjectKey(testID)) {
		t.Fatalf("expected dirty flag to be one-shot")
	}
}

// A newly-elected leader reconciles from a remote manifest a prior leader
// already uploaded, instead of re-scheduling already-tiered ranges from
// offset 0 (spec §4.4 maybe_truncate_manifest).
func TestArchiverMaybeTruncateManifestReconcilesFromRemote(t *testing.T) {
	local := newFakeLocalLog()
	local.addSegment(makeSegment(0, 499, 1, 500), []byte("body-0"))
	local.addSegment(makeSegment(500, 999, 1, 500), []byte("body-500"))
	store := newSelectiveFailClient()

	prior := Manifest{
		StartOffset:  0,
		InsyncOffset: 500,
		Segments:     []SegmentMetadata{{BaseOffset: 0, CommittedOffset: 499}},
	}
	body := EncodeManifest(prior)
	if res := store.Put(context.Background(), ManifestObjectKey(testID), body, nil); res.Outcome != objstore.PutSuccess {
		t.Fatalf("seed remote manifest: %v", res.Err)
	}

	a := newTestArchiver(local, store, 999)
	if got := a.Manifest().InsyncOffset; got != 0 {
		t.Fatalf("expected a freshly constructed archiver to start empty, got insync_offset=%d", got)
	}

	if err := a.MaybeTruncateManifest(context.Background()); err != nil {
		t.Fatalf("maybe truncate manifest: %v", err)
	}
	if got := a.Manifest().InsyncOffset; got != 500 {
		t.Fatalf("expected startup reconcile to adopt the remote insync_offset=500, got %d", got)
	}
	if len(a.Manifest().Segments) != 1 {
		t.Fatalf("expected startup reconcile to adopt the remote's single segment, got %+v", a.Manifest().Segments)
	}

	// The next upload iteration must only schedule the still-unarchived
	// range, not re-upload the segment the prior leader already tiered.
	result, applied := a.runUploadIteration(context.Background(), 1, alwaysCanUpdate)
	if !applied {
		t.Fatalf("expected the second segment to be uploaded and applied")
	}
	if result.NonCompacted.Succeeded != 1 {
		t.Fatalf("expected exactly 1 new upload (the range beyond the reconciled manifest), got %+v", result)
	}
	if len(a.Manifest().Segments) != 2 {
		t.Fatalf("expected the reconciled segment plus the newly uploaded one, got %+v", a.Manifest().Segments)
	}
}

// Scenario 5 (spec §8): leadership transfer while an upload iteration is in
// flight. PrepareTransferLeadership must block until the in-flight
// iteration completes, and new iterations must not start while paused.
func TestArchiverTransferGateBlocksDuringInFlightIteration(t *testing.T) {
	local := newFakeLocalLog()
	local.addSegment(makeSegment(0, 499, 1, 500), []byte("body-0"))
	store := newSelectiveFailClient()
	a := newTestArchiver(local, store, 499)

	ctx := context.Background()
	if err := a.Gate().BeginUploadIteration(ctx); err != nil {
		t.Fatalf("begin iteration: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		a.Gate().EndUploadIteration()
	}()

	transferCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	if err := a.Gate().PrepareTransferLeadership(transferCtx); err != nil {
		t.Fatalf("prepare transfer leadership: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected PrepareTransferLeadership to wait for the in-flight iteration to end")
	}
	<-done

	if a.gate.MayBeginUploads(alwaysCanUpdate) {
		t.Fatalf("expected uploads blocked while the transfer is prepared")
	}
	a.Gate().CompleteTransferLeadership()
	if !a.gate.MayBeginUploads(alwaysCanUpdate) {
		t.Fatalf("expected uploads allowed again once the transfer completes")
	}
}

// End-to-end: Run acquires leadership, uploads converge, then returns
// cleanly once the context is cancelled.
func TestArchiverRunConvergesThenStopsOnCancel(t *testing.T) {
	local := newFakeLocalLog()
	local.addSegment(makeSegment(0, 499, 1, 500), []byte("body-0"))
	local.addSegment(makeSegment(500, 999, 1, 500), []byte("body-500"))
	store := newSelectiveFailClient()

	terms := &fakeTermSource{term: leaderterm.Term{Number: 1, IsLeader: true}}
	a := NewArchiver(ArchiverConfig{
		Identity:           testID,
		Mode:               ModeProducer,
		Local:              local,
		Store:              store,
		Terms:              terms,
		LSO:                func() int64 { return 999 },
		Policy:             PolicyConfig{TargetSegmentSizeBytes: 500},
		Scheduler:          SchedulerConfig{Concurrency: 4},
		UploadLoopInterval: 10 * time.Millisecond,
	}, &fakeReplicator{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(a.Manifest().Segments) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.Manifest().Segments) != 2 {
		t.Fatalf("expected the archiver to converge both segments into the manifest, got %+v", a.Manifest().Segments)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected Run to return context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return promptly after cancellation")
	}
}

// The manifest invariants hold across a multi-iteration run: segments
// never overlap, start_offset and insync_offset never regress.
func TestArchiverManifestInvariantsAcrossIterations(t *testing.T) {
	local := newFakeLocalLog()
	for i := int64(0); i < 4; i++ {
		local.addSegment(makeSegment(i*250, i*250+249, 1, 250), []byte("x"))
	}
	store := newSelectiveFailClient()
	a := newTestArchiver(local, store, 999)

	var prevStart, prevInsync int64
	for i := 0; i < 4; i++ {
		a.runUploadIteration(context.Background(), 1, alwaysCanUpdate)
		snap := a.Manifest()
		if snap.StartOffset < prevStart {
			t.Fatalf("start_offset regressed: %d -> %d", prevStart, snap.StartOffset)
		}
		if snap.InsyncOffset < prevInsync {
			t.Fatalf("insync_offset regressed: %d -> %d", prevInsync, snap.InsyncOffset)
		}
		prevStart, prevInsync = snap.StartOffset, snap.InsyncOffset
		for i := 1; i < len(snap.Segments); i++ {
			if snap.Segments[i].BaseOffset <= snap.Segments[i-1].CommittedOffset {
				t.Fatalf("segments overlap or are unordered: %+v", snap.Segments)
			}
		}
	}
	// The policy concatenates the 250-byte local segments toward the
	// 500-byte target, so all 4 are uploaded as 2 objects covering [0,999].
	if got := a.Manifest(); len(got.Segments) != 2 || got.LastOffset() != 999 {
		t.Fatalf("expected all 4 local segments uploaded as 2 target-size objects, got %+v", got.Segments)
	}
}
