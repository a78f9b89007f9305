package archival

import (
	"context"
	"testing"
	"time"

	"github.com/novatechflow/kafscale/pkg/cache"
	"github.com/novatechflow/kafscale/pkg/objstore"
)

func TestReplicaSyncerNoOpWhenRemoteAbsent(t *testing.T) {
	ctx := context.Background()
	manifest := NewManifestStore(Manifest{}, &fakeReplicator{})
	syncer := NewReplicaSyncer(testID, manifest, objstore.NewMemoryClient(), cache.NewManifestCache(), ReplicaSyncConfig{})

	applied, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if applied {
		t.Fatalf("expected no-op when the remote manifest does not exist yet")
	}
}

// Scenario 6 (spec §8): read-replica mode never issues a put and converges
// to the remote manifest on the following poll.
func TestReplicaSyncerConvergesToRemoteManifest(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryClient()
	manifest := NewManifestStore(Manifest{}, &fakeReplicator{})
	syncer := NewReplicaSyncer(testID, manifest, store, cache.NewManifestCache(), ReplicaSyncConfig{})

	remote := Manifest{
		StartOffset:  0,
		InsyncOffset: 999,
		Segments:     []SegmentMetadata{{BaseOffset: 0, CommittedOffset: 999}},
	}
	body := EncodeManifest(remote)
	if res := store.Put(ctx, ManifestObjectKey(testID), body, nil); res.Outcome != objstore.PutSuccess {
		t.Fatalf("seed remote manifest: %v", res.Err)
	}

	putsBeforeSync := store.PutCalls()
	applied, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if !applied {
		t.Fatalf("expected first sync to apply the remote manifest")
	}
	if got := manifest.Snapshot().InsyncOffset; got != 999 {
		t.Fatalf("expected local manifest to converge to insync_offset=999, got %d", got)
	}

	if got := store.PutCalls(); got != putsBeforeSync {
		t.Fatalf("read-replica syncing must never issue a segment/manifest put of its own, put count changed from %d to %d", putsBeforeSync, got)
	}

	// Re-syncing the identical bytes is a no-op (idempotent ingestion).
	applied, err = syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if applied {
		t.Fatalf("expected re-applying identical manifest bytes to be a no-op")
	}

	// The remote changes; the next poll converges again.
	remote.InsyncOffset = 1999
	remote.Segments = append(remote.Segments, SegmentMetadata{BaseOffset: 1000, CommittedOffset: 1999})
	body = EncodeManifest(remote)
	store.Put(ctx, ManifestObjectKey(testID), body, nil)

	applied, err = syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if !applied {
		t.Fatalf("expected sync to apply the updated remote manifest")
	}
	if got := manifest.Snapshot().InsyncOffset; got != 1999 {
		t.Fatalf("expected local manifest to converge to insync_offset=1999, got %d", got)
	}
}

func TestReplicaSyncerRunStopsWhenNotLeader(t *testing.T) {
	store := objstore.NewMemoryClient()
	manifest := NewManifestStore(Manifest{}, &fakeReplicator{})
	syncer := NewReplicaSyncer(testID, manifest, store, cache.NewManifestCache(), ReplicaSyncConfig{
		SyncManifestTimeout: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- syncer.Run(ctx, func() bool { return false }) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean exit when no longer leader, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected Run to return promptly once stillLeader reports false")
	}
}
