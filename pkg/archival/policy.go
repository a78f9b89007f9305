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

import "fmt"

// PolicyConfig controls the archival policy's candidate shaping decisions
// (spec §4.3).
type PolicyConfig struct {
	// TargetSegmentSizeBytes is the preferred size for an uploaded object.
	// The policy concatenates adjacent local segments toward this size but
	// never spans a term boundary to reach it.
	TargetSegmentSizeBytes int64
}

// Policy decides which byte range of the local log becomes the next
// uploaded object, respecting term boundaries and the configured size
// target (spec §4.3).
type Policy struct {
	local LocalSegmentSource
	cfg   PolicyConfig
}

// NewPolicy constructs a Policy reading from local.
func NewPolicy(local LocalSegmentSource, cfg PolicyConfig) *Policy {
	if cfg.TargetSegmentSizeBytes <= 0 {
		cfg.TargetSegmentSizeBytes = 128 * 1024 * 1024
	}
	return &Policy{local: local, cfg: cfg}
}

// NextNonCompactedCandidate builds the next non-compacted upload candidate
// starting at from and bounded by upTo (the LSO). It concatenates adjacent
// local segments toward the target size, truncating at the last offset of
// the prior term if a term change is encountered (spec §4.3, "term
// boundary rule"). stop=true means there is no more work for this
// context.
func (p *Policy) NextNonCompactedCandidate(from, upTo, archiverTerm int64) (UploadCandidate, bool, error) {
	if from > upTo {
		return UploadCandidate{}, true, nil
	}
	segs, err := p.local.SegmentsFrom(from, upTo)
	if err != nil {
		return UploadCandidate{}, true, fmt.Errorf("archival: read local segments: %w", err)
	}
	if len(segs) == 0 {
		return UploadCandidate{}, true, nil
	}

	term := segs[0].Term
	var chosen []LocalSegment
	var size int64
	for _, s := range segs {
		if s.Term != term {
			break // term boundary rule: stop before the segment that crosses terms
		}
		chosen = append(chosen, s)
		size += s.SizeBytes
		if size >= p.cfg.TargetSegmentSizeBytes {
			break
		}
	}
	// Segments returned but not part of this candidate give their read
	// locks back; the chosen ones stay locked for the scheduler.
	for _, s := range segs[len(chosen):] {
		p.local.ReleaseReadLock(s.BaseOffset)
	}

	if len(chosen) == 0 {
		// Defensive only: segs[0] always matches term, so chosen is never
		// empty here.
		return UploadCandidate{}, true, nil
	}

	return newLocalCandidate(KindNonCompacted, chosen, archiverTerm, term), false, nil
}

// NextCompactedCandidate asks the local log for compacted segments the
// caller-supplied scanner accepts for reupload, and packages the first
// run up to the target size as one candidate (spec §4.3, "compacted vs
// non-compacted"). It keeps no record of earlier calls: while the same
// segments still match the scanner, every call returns the same run.
func (p *Policy) NextCompactedCandidate(scanner ManifestScanner, archiverTerm int64) (UploadCandidate, bool, error) {
	segs, err := p.local.CompactedCandidates(scanner)
	if err != nil {
		return UploadCandidate{}, true, fmt.Errorf("archival: read compacted candidates: %w", err)
	}
	if len(segs) == 0 {
		return UploadCandidate{}, true, nil
	}

	term := segs[0].Term
	var chosen []LocalSegment
	var size int64
	for _, s := range segs {
		if s.Term != term {
			break
		}
		chosen = append(chosen, s)
		size += s.SizeBytes
		if size >= p.cfg.TargetSegmentSizeBytes {
			break
		}
	}
	for _, s := range segs[len(chosen):] {
		p.local.ReleaseReadLock(s.BaseOffset)
	}
	if len(chosen) == 0 {
		return UploadCandidate{}, true, nil
	}

	return newLocalCandidate(KindCompacted, chosen, archiverTerm, term), false, nil
}

func newLocalCandidate(kind UploadKind, chosen []LocalSegment, archiverTerm, segmentTerm int64) UploadCandidate {
	first, last := chosen[0], chosen[len(chosen)-1]
	var totalSize int64
	maxTS := first.MaxTimestamp
	for _, s := range chosen {
		totalSize += s.SizeBytes
		if s.MaxTimestamp.After(maxTS) {
			maxTS = s.MaxTimestamp
		}
	}
	bases := make([]int64, len(chosen))
	for i, s := range chosen {
		bases[i] = s.BaseOffset
	}

	return UploadCandidate{
		Kind:     kind,
		Segments: chosen,
		heldBases: bases,
		Meta: SegmentMetadata{
			BaseOffset:      first.BaseOffset,
			CommittedOffset: last.CommittedOffset,
			DeltaOffset:     first.DeltaOffset,
			SizeBytes:       totalSize,
			MaxTimestamp:    maxTS,
			ArchiverTerm:    archiverTerm,
			SegmentTerm:     segmentTerm,
			IsCompacted:     kind == KindCompacted,
		},
	}
}
