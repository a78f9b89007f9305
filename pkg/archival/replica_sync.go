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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/novatechflow/kafscale/pkg/cache"
	"github.com/novatechflow/kafscale/pkg/objstore"
)

// fetchRemoteManifestBytes downloads the remote manifest object for id, if
// one has been uploaded yet. It is shared by the read-replica syncer and
// by Archiver.MaybeTruncateManifest's startup reconcile.
func fetchRemoteManifestBytes(ctx context.Context, store objstore.Client, id PartitionIdentity) (data []byte, found bool, err error) {
	res := store.Get(ctx, ManifestObjectKey(id))
	switch res.Outcome {
	case objstore.GetNotFound:
		return nil, false, nil
	case objstore.GetFound:
		return res.Bytes, true, nil
	default:
		return nil, false, fmt.Errorf("archival: download remote manifest: %v", res.Err)
	}
}

// ReplicaSyncConfig configures the read-replica syncer (spec §4.6).
type ReplicaSyncConfig struct {
	// SyncManifestTimeout is the interval between remote manifest polls.
	SyncManifestTimeout time.Duration
	Logger              *slog.Logger
}

// ReplicaSyncer periodically downloads the remote manifest and ingests it
// into local state instead of producing uploads (spec §4.6). Ingestion is
// idempotent: applying byte-identical manifest content twice is a no-op,
// tracked via a small per-partition cache of the digest of the
// last-applied bytes.
type ReplicaSyncer struct {
	id       PartitionIdentity
	store    objstore.Client
	manifest *ManifestStore
	cache    *cache.ManifestCache
	cfg      ReplicaSyncConfig
	logger   *slog.Logger
}

// NewReplicaSyncer constructs a syncer for one partition's manifest.
func NewReplicaSyncer(id PartitionIdentity, manifest *ManifestStore, store objstore.Client, manifestCache *cache.ManifestCache, cfg ReplicaSyncConfig) *ReplicaSyncer {
	if cfg.SyncManifestTimeout <= 0 {
		cfg.SyncManifestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicaSyncer{id: id, store: store, manifest: manifest, cache: manifestCache, cfg: cfg, logger: logger}
}

// SyncOnce downloads the remote manifest once and applies it if it
// differs from the last-applied bytes for this partition. It returns
// applied=true only when local state actually changed.
func (r *ReplicaSyncer) SyncOnce(ctx context.Context) (applied bool, err error) {
	data, found, err := fetchRemoteManifestBytes(ctx, r.store, r.id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	digest := sha256.Sum256(data)
	if cached, ok := r.cache.Get(r.id.Namespace, r.id.Topic, r.id.Partition); ok && cached == digest {
		return false, nil
	}

	remote, err := DecodeManifest(data)
	if err != nil {
		return false, fmt.Errorf("archival: decode remote manifest: %w", err)
	}

	applied = r.manifest.ReplaceRemoteManifest(remote)
	r.cache.Set(r.id.Namespace, r.id.Topic, r.id.Partition, data)
	return applied, nil
}

// Run polls the remote manifest at the configured interval until ctx is
// cancelled or the term changes (sync_manifest_until_term_change, spec
// §4.1). stillLeader is consulted each tick; when it returns false the
// loop exits so the outer leadership loop can re-evaluate.
func (r *ReplicaSyncer) Run(ctx context.Context, stillLeader func() bool) error {
	ticker := time.NewTicker(r.cfg.SyncManifestTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !stillLeader() {
				return nil
			}
			if _, err := r.SyncOnce(ctx); err != nil {
				r.logger.Warn("read-replica manifest sync failed, retrying next interval",
					"topic", r.id.Topic, "partition", r.id.Partition, "error", err)
			}
		}
	}
}
