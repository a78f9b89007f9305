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

// Package archival implements the per-partition cloud archiver: a
// leader-scoped control loop that tiers closed log segments and the
// partition manifest to an object store while the partition keeps
// accepting writes.
package archival

import (
	"context"
	"time"
)

// PartitionIdentity is the (namespace, topic, partition) triple plus the
// initial revision assigned at topic creation. Object keys derive from
// InitialRevision so names remain stable across partition reassignment.
type PartitionIdentity struct {
	Namespace       string
	Topic           string
	Partition       int32
	InitialRevision int64
}

// SegmentMetadata describes one uploaded segment object.
type SegmentMetadata struct {
	BaseOffset      int64
	CommittedOffset int64
	DeltaOffset     int32
	SizeBytes       int64
	MaxTimestamp    time.Time
	ArchiverTerm    int64
	SegmentTerm     int64
	IsCompacted     bool

	// Trailing holds any bytes that followed the known fields when this
	// record was decoded from a manifest produced by a newer archiver
	// version. Re-emitted verbatim on re-encode so round-tripping a
	// manifest never drops fields this build doesn't understand yet
	// (spec §6: "unknown trailing fields are preserved on round-trip").
	Trailing []byte
}

// LocalSegment describes one closed on-disk segment available for upload.
// It is the archiver's view of the external local log storage engine
// (spec §1, excluded as an out-of-scope collaborator); only the fields the
// archival policy needs are exposed here.
type LocalSegment struct {
	BaseOffset      int64
	CommittedOffset int64
	DeltaOffset     int32
	SizeBytes       int64
	MaxTimestamp    time.Time
	Term            int64
	IsCompacted     bool
}

// LocalSegmentSource is the narrow collaborator interface the archiver
// uses to read closed segments from local storage. It stands in for the
// excluded "local log storage engine" (spec §1): everything about segment
// files, indices, and read streams lives on the other side of this
// interface.
type LocalSegmentSource interface {
	// SegmentsFrom returns closed local segments with BaseOffset >= from,
	// in ascending offset order, up to and including the segment covering
	// upTo (the LSO). Read locks are acquired for every returned segment
	// and must be released via ReleaseReadLock once the caller is done
	// with that range, regardless of upload outcome.
	SegmentsFrom(from, upTo int64) ([]LocalSegment, error)

	// ReadRange returns the raw bytes of the half-open-turned-closed
	// offset range [base, committed] for upload.
	ReadRange(ctx context.Context, base, committed int64) ([]byte, error)

	// ReleaseReadLock releases the read lock acquired by SegmentsFrom for
	// the segment starting at base. Safe to call exactly once per segment
	// returned by SegmentsFrom.
	ReleaseReadLock(base int64)

	// CompactedCandidates returns compacted local segments matching the
	// manifest scanner predicate (spec §4.3: "compacted segments
	// identified by a user-supplied manifest_scanner predicate").
	CompactedCandidates(scanner ManifestScanner) ([]LocalSegment, error)
}

// ManifestScanner decides whether a manifest-resident segment is a
// candidate for compacted reupload.
type ManifestScanner func(SegmentMetadata) bool

// UploadKind distinguishes the two disjoint candidate sources (spec §4.3).
type UploadKind string

const (
	KindNonCompacted UploadKind = "non_compacted"
	KindCompacted    UploadKind = "compacted"
)

// UploadCandidate is a transient value describing a pending upload.
type UploadCandidate struct {
	Kind     UploadKind
	Segments []LocalSegment
	Meta     SegmentMetadata

	// heldBases records which local segment read locks this candidate
	// owns, so the scheduler can release them once the upload resolves.
	heldBases []int64
}

// UploadOutcome classifies one resolved scheduled upload.
type UploadOutcome string

const (
	OutcomeSucceeded UploadOutcome = "succeeded"
	OutcomeFailed    UploadOutcome = "failed"
	OutcomeCancelled UploadOutcome = "cancelled"
)

// ScheduledUpload is a candidate whose upload future has been launched.
type ScheduledUpload struct {
	Candidate UploadCandidate
	Outcome   UploadOutcome
	Err       error
}

// CountResult is the {succeeded, failed, cancelled} triple for one kind.
type CountResult struct {
	Succeeded int
	Failed    int
	Cancelled int
}

// BatchResult is the output of one upload scheduler pass (spec §4.2).
type BatchResult struct {
	NonCompacted CountResult
	Compacted    CountResult
}
