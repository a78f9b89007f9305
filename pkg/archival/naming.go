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
	"fmt"

	"github.com/novatechflow/kafscale/pkg/objstore"
)

// SegmentObjectKey derives the deterministic object key for a segment
// (spec §6: a function of namespace, topic, partition, initial revision,
// base offset, committed offset, segment term, archiver term). Object
// names are stable across partition reassignment because they key off
// InitialRevision, never the partition's current placement.
func SegmentObjectKey(id PartitionIdentity, meta SegmentMetadata) string {
	return fmt.Sprintf("%s/%s/%d_%d/%d-%d-%d-%d.seg",
		id.Namespace, id.Topic, id.Partition, id.InitialRevision,
		meta.BaseOffset, meta.CommittedOffset, meta.SegmentTerm, meta.ArchiverTerm)
}

// TxObjectKey derives the key for a segment's transactional side-channel
// metadata object, uploaded alongside the segment body.
func TxObjectKey(id PartitionIdentity, meta SegmentMetadata) string {
	return SegmentObjectKey(id, meta) + ".tx"
}

// ManifestObjectKey derives the well-known manifest key for a partition:
// a function of partition identity and initial revision only (spec §4.4).
func ManifestObjectKey(id PartitionIdentity) string {
	return fmt.Sprintf("%s/%s/%d_%d/manifest.bin", id.Namespace, id.Topic, id.Partition, id.InitialRevision)
}

// SegmentTags returns the object tags applied to a segment upload
// (supplemented feature grounded on the original's per-object-class tag
// formatters: _segment_tags/_manifest_tags/_tx_tags).
func SegmentTags(meta SegmentMetadata) objstore.Tags {
	kind := "non_compacted"
	if meta.IsCompacted {
		kind = "compacted"
	}
	return objstore.Tags{
		"kafscale.kind":          "segment",
		"kafscale.compaction":    kind,
		"kafscale.archiver_term": fmt.Sprintf("%d", meta.ArchiverTerm),
	}
}

// TxTags returns the object tags applied to a transactional side-channel
// upload.
func TxTags(meta SegmentMetadata) objstore.Tags {
	return objstore.Tags{
		"kafscale.kind":          "tx-metadata",
		"kafscale.archiver_term": fmt.Sprintf("%d", meta.ArchiverTerm),
	}
}

// ManifestTags returns the object tags applied to a manifest upload.
func ManifestTags(id PartitionIdentity) objstore.Tags {
	return objstore.Tags{
		"kafscale.kind":      "manifest",
		"kafscale.namespace": id.Namespace,
		"kafscale.topic":     id.Topic,
	}
}
