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

// Package cache remembers, per partition, the digest of the last manifest
// bytes a read-replica syncer applied, so re-ingesting an unchanged
// manifest is a no-op (spec §4.6: "applying the same manifest twice is a
// no-op").
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// ManifestCache maps partition identity to the digest of the last manifest
// bytes applied for it. There is exactly one manifest per partition, so
// this is a plain map rather than a capacity-bounded cache: nothing ever
// needs to be evicted.
type ManifestCache struct {
	mu    sync.Mutex
	items map[string][sha256.Size]byte
}

// NewManifestCache creates an empty cache.
func NewManifestCache() *ManifestCache {
	return &ManifestCache{items: make(map[string][sha256.Size]byte)}
}

func makeKey(namespace, topic string, partition int32) string {
	return fmt.Sprintf("%s:%s:%d", namespace, topic, partition)
}

// Get reports the digest of the manifest bytes last applied for a
// partition, if any have been recorded.
func (c *ManifestCache) Get(namespace, topic string, partition int32) (digest [sha256.Size]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	digest, ok = c.items[makeKey(namespace, topic, partition)]
	return digest, ok
}

// Set records the digest of the manifest bytes most recently applied for a
// partition.
func (c *ManifestCache) Set(namespace, topic string, partition int32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[makeKey(namespace, topic, partition)] = sha256.Sum256(data)
}
