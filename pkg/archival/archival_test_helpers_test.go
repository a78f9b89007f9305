package archival

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novatechflow/kafscale/pkg/objstore"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// fakeLocalLog is an in-memory LocalSegmentSource used across archival
// package tests, standing in for the excluded local log storage engine.
type fakeLocalLog struct {
	mu       sync.Mutex
	segments []LocalSegment
	locked   map[int64]bool
	bodies   map[int64][]byte
}

func newFakeLocalLog() *fakeLocalLog {
	return &fakeLocalLog{
		locked: make(map[int64]bool),
		bodies: make(map[int64][]byte),
	}
}

func (f *fakeLocalLog) addSegment(seg LocalSegment, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
	f.bodies[seg.BaseOffset] = body
}

func (f *fakeLocalLog) SegmentsFrom(from, upTo int64) ([]LocalSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LocalSegment
	for _, s := range f.segments {
		if s.IsCompacted {
			continue
		}
		if s.BaseOffset < from {
			continue
		}
		if s.BaseOffset > upTo {
			continue
		}
		f.locked[s.BaseOffset] = true
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeLocalLog) ReadRange(ctx context.Context, base, committed int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bodies[base]; ok {
		return b, nil
	}
	return []byte{}, nil
}

func (f *fakeLocalLog) ReleaseReadLock(base int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, base)
}

func (f *fakeLocalLog) CompactedCandidates(scanner ManifestScanner) ([]LocalSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LocalSegment
	for _, s := range f.segments {
		if !s.IsCompacted {
			continue
		}
		meta := SegmentMetadata{
			BaseOffset:      s.BaseOffset,
			CommittedOffset: s.CommittedOffset,
			IsCompacted:     true,
		}
		if scanner(meta) {
			f.locked[s.BaseOffset] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLocalLog) heldLocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locked)
}

// selectiveFailClient wraps a MemoryClient and fails Put for a specific
// set of keys, used to reproduce "upload failure mid-batch" (spec §8
// scenario 4).
type selectiveFailClient struct {
	*objstore.MemoryClient
	mu      sync.Mutex
	failFor map[string]bool
}

func newSelectiveFailClient() *selectiveFailClient {
	return &selectiveFailClient{
		MemoryClient: objstore.NewMemoryClient(),
		failFor:      make(map[string]bool),
	}
}

func (c *selectiveFailClient) failKeyContaining(substr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFor[substr] = true
}

func (c *selectiveFailClient) Put(ctx context.Context, key string, payload []byte, tags objstore.Tags) objstore.PutResult {
	c.mu.Lock()
	for substr := range c.failFor {
		if containsSubstr(key, substr) {
			c.mu.Unlock()
			return objstore.PutResult{Outcome: objstore.PutTransportError, Err: errBoom}
		}
	}
	c.mu.Unlock()
	return c.MemoryClient.Put(ctx, key, payload, tags)
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

var errBoom = boomErr{}

type boomErr struct{}

func (boomErr) Error() string { return "archival: simulated put failure" }

func makeSegment(base, committed int64, term int64, size int64) LocalSegment {
	return LocalSegment{
		BaseOffset:      base,
		CommittedOffset: committed,
		SizeBytes:       size,
		MaxTimestamp:    time.Unix(1700000000+base, 0).UTC(),
		Term:            term,
	}
}
