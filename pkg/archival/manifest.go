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
	"sort"
	"sync"
)

// Manifest is the ordered record of uploaded segments plus the retention
// frontier for one partition (spec §3). The zero value is an empty
// manifest with StartOffset 0.
type Manifest struct {
	Identity                    PartitionIdentity
	Segments                    []SegmentMetadata
	StartOffset                 int64
	LastUploadedCompactedOffset int64
	InsyncOffset                int64

	// Trailing preserves unknown header fields from a newer wire format
	// across decode/encode (spec §6).
	Trailing []byte
}

// clone deep-copies the manifest so callers can read a consistent snapshot
// without holding the store's lock.
func (m Manifest) clone() Manifest {
	out := m
	out.Segments = append([]SegmentMetadata(nil), m.Segments...)
	return out
}

// LastOffset returns the committed offset of the last segment in the
// manifest, or StartOffset-1 if the manifest is empty (so the next upload
// naturally starts at StartOffset).
func (m Manifest) LastOffset() int64 {
	if len(m.Segments) == 0 {
		return m.StartOffset - 1
	}
	return m.Segments[len(m.Segments)-1].CommittedOffset
}

// Replicator is the archiver's consensus/replication collaborator (spec
// §1, out of scope as an external collaborator): the layer that elects
// leaders and commits archival metadata operations. Each call carries the
// replicating term for leader-epoch validation (spec §6).
type Replicator interface {
	AddSegments(ctx context.Context, term int64, segments []SegmentMetadata) (insyncOffset int64, err error)
	AdvanceStartOffset(ctx context.Context, term int64, offset int64) (insyncOffset int64, err error)
	RemoveSegments(ctx context.Context, term int64, segments []SegmentMetadata) (insyncOffset int64, err error)
}

// ErrNotReplicated is returned by ManifestStore mutators when
// canUpdate() reports the archiver may no longer mutate archival metadata
// (spec §4.4, can_update_archival_metadata): this is not an error
// condition for callers to propagate loudly, just a skipped mutation.
var ErrNotReplicated = fmt.Errorf("archival: archiver may not update archival metadata")

// ManifestStore holds the in-memory manifest and applies the three
// consensus-replicated commands (spec §4.4): add segments, advance start
// offset, remove segments. Every mutation first replicates via the
// Replicator and only then updates local state, so the in-memory copy
// never diverges from what consensus has committed.
type ManifestStore struct {
	mu         sync.RWMutex
	manifest   Manifest
	replicator Replicator
}

// NewManifestStore constructs a store seeded with an initial manifest,
// typically empty; Archiver.MaybeTruncateManifest reconciles it against
// the remote store right after construction, before the first producer
// upload iteration.
func NewManifestStore(initial Manifest, replicator Replicator) *ManifestStore {
	return &ManifestStore{manifest: initial, replicator: replicator}
}

// Snapshot returns a consistent copy of the current manifest.
func (s *ManifestStore) Snapshot() Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.clone()
}

// CanUpdate reports whether archival metadata may currently be mutated:
// still leader, term unchanged since start_term, archiver not stopping
// (spec §4.4's can_update_archival_metadata). Callers pass this in as a
// closure so the check always reflects live leadership state.
type CanUpdate func() bool

// AddSegments replicates and applies a batch of newly uploaded segments,
// in strictly increasing base-offset order (spec §4.2 step 4). Every
// existing segment whose offset range lies entirely inside a newly added
// segment's range is replaced by it (reupload normalisation, spec §4.4).
func (s *ManifestStore) AddSegments(ctx context.Context, term int64, canUpdate CanUpdate, segments []SegmentMetadata) error {
	if len(segments) == 0 {
		return nil
	}
	if !canUpdate() {
		return ErrNotReplicated
	}

	insync, err := s.replicator.AddSegments(ctx, term, segments)
	if err != nil {
		return fmt.Errorf("archival: replicate add_segments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segments {
		s.replaceOverlapping(seg)
	}
	sort.Slice(s.manifest.Segments, func(i, j int) bool {
		return s.manifest.Segments[i].BaseOffset < s.manifest.Segments[j].BaseOffset
	})
	if insync > s.manifest.InsyncOffset {
		s.manifest.InsyncOffset = insync
	}
	return nil
}

// replaceOverlapping inserts seg, removing any existing segment whose
// range is fully covered by seg (the reupload-normalisation rule: a
// compacted reupload spanning an existing range replaces it atomically).
func (s *ManifestStore) replaceOverlapping(seg SegmentMetadata) {
	kept := s.manifest.Segments[:0]
	for _, existing := range s.manifest.Segments {
		if existing.BaseOffset >= seg.BaseOffset && existing.CommittedOffset <= seg.CommittedOffset {
			continue // superseded by the wider reupload
		}
		kept = append(kept, existing)
	}
	s.manifest.Segments = append(kept, seg)
}

// AdvanceStartOffset replicates and applies a new retention frontier.
// start_offset never decreases (spec §3 invariant); a regression request
// is a no-op rather than an error.
func (s *ManifestStore) AdvanceStartOffset(ctx context.Context, term int64, canUpdate CanUpdate, offset int64) error {
	if !canUpdate() {
		return ErrNotReplicated
	}
	s.mu.RLock()
	noop := offset <= s.manifest.StartOffset
	s.mu.RUnlock()
	if noop {
		return nil
	}

	insync, err := s.replicator.AdvanceStartOffset(ctx, term, offset)
	if err != nil {
		return fmt.Errorf("archival: replicate advance_start_offset: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.manifest.StartOffset {
		s.manifest.StartOffset = offset
	}
	if insync > s.manifest.InsyncOffset {
		s.manifest.InsyncOffset = insync
	}
	return nil
}

// RemoveSegments replicates and applies removal of segments already
// confirmed deleted from the object store by garbage collection. A
// segment is removed from the manifest only after the store confirms its
// deletion (spec §7): callers must not call this speculatively.
func (s *ManifestStore) RemoveSegments(ctx context.Context, term int64, canUpdate CanUpdate, segments []SegmentMetadata) error {
	if len(segments) == 0 {
		return nil
	}
	if !canUpdate() {
		return ErrNotReplicated
	}

	insync, err := s.replicator.RemoveSegments(ctx, term, segments)
	if err != nil {
		return fmt.Errorf("archival: replicate remove_segments: %w", err)
	}

	remove := make(map[int64]bool, len(segments))
	for _, seg := range segments {
		remove[seg.BaseOffset] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.manifest.Segments[:0]
	for _, existing := range s.manifest.Segments {
		if remove[existing.BaseOffset] {
			continue
		}
		kept = append(kept, existing)
	}
	s.manifest.Segments = kept
	if insync > s.manifest.InsyncOffset {
		s.manifest.InsyncOffset = insync
	}
	return nil
}

// ReplaceRemoteManifest overwrites local state with a manifest received
// from the remote store (used by Archiver.MaybeTruncateManifest on startup
// and by the read-replica syncer, spec §4.6). It never regresses
// StartOffset or InsyncOffset (§9 Open Question (b): local always wins on
// a regression).
func (s *ManifestStore) ReplaceRemoteManifest(remote Manifest) (applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remote.InsyncOffset < s.manifest.InsyncOffset || remote.StartOffset < s.manifest.StartOffset {
		return false
	}
	s.manifest = remote.clone()
	return true
}
