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

package main

import (
	"context"
	"sync"
	"time"

	"github.com/novatechflow/kafscale/pkg/archival"
)

// demoLocalLog is a synthetic archival.LocalSegmentSource that appends one
// closed segment on a fixed cadence, standing in for the excluded local log
// storage engine (spec §1) so this binary has something to archive without
// a real broker attached. Not a general-purpose log implementation.
type demoLocalLog struct {
	segmentSize int64
	term        int64

	mu       sync.Mutex
	segments []archival.LocalSegment
	bodies   map[int64][]byte
	locked   map[int64]bool
	nextBase int64
}

func newDemoLocalLog(segmentSize int64) *demoLocalLog {
	return &demoLocalLog{
		segmentSize: segmentSize,
		term:        1,
		bodies:      make(map[int64][]byte),
		locked:      make(map[int64]bool),
	}
}

// grow runs until ctx is cancelled, appending one segment every interval.
func (d *demoLocalLog) grow(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.append()
		}
	}
}

func (d *demoLocalLog) append() {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := d.nextBase
	committed := base + d.segmentSize - 1
	seg := archival.LocalSegment{
		BaseOffset:      base,
		CommittedOffset: committed,
		SizeBytes:       d.segmentSize,
		MaxTimestamp:    time.Now(),
		Term:            d.term,
	}
	d.segments = append(d.segments, seg)
	d.bodies[base] = make([]byte, d.segmentSize)
	d.nextBase = committed + 1
}

// LSO reports the highest offset produced so far, the last stable offset
// input the scheduler needs (spec §4.2).
func (d *demoLocalLog) LSO() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.segments) == 0 {
		return -1
	}
	return d.segments[len(d.segments)-1].CommittedOffset
}

func (d *demoLocalLog) SegmentsFrom(from, upTo int64) ([]archival.LocalSegment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []archival.LocalSegment
	for _, s := range d.segments {
		if s.BaseOffset < from || s.BaseOffset > upTo {
			continue
		}
		d.locked[s.BaseOffset] = true
		out = append(out, s)
	}
	return out, nil
}

func (d *demoLocalLog) ReadRange(ctx context.Context, base, committed int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.bodies[base]; ok {
		return b, nil
	}
	return []byte{}, nil
}

func (d *demoLocalLog) ReleaseReadLock(base int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locked, base)
}

// CompactedCandidates never returns anything: the demo log has no
// compaction concept, only sequential growth.
func (d *demoLocalLog) CompactedCandidates(scanner archival.ManifestScanner) ([]archival.LocalSegment, error) {
	return nil, nil
}
