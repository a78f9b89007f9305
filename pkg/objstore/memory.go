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

package objstore

import (
	"context"
	"sync"
)

// MemoryClient is an in-process Client used by tests and the demo binary
// in place of a real bucket. It is safe for concurrent use.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	tags    map[string]Tags

	// FailPuts, when set, makes every Put return a transport error; used
	// to exercise the scheduler's "failed" classification path.
	FailPuts bool

	putCalls int
}

// NewMemoryClient returns an empty in-memory object store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string][]byte),
		tags:    make(map[string]Tags),
	}
}

func (m *MemoryClient) Put(ctx context.Context, key string, payload []byte, tags Tags) PutResult {
	if err := ctx.Err(); err != nil {
		return PutResult{Outcome: PutTimedOut, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.FailPuts {
		return PutResult{Outcome: PutTransportError, Err: errTransport}
	}
	cp := append([]byte(nil), payload...)
	m.objects[key] = cp
	m.tags[key] = tags
	return PutResult{Outcome: PutSuccess}
}

func (m *MemoryClient) Get(ctx context.Context, key string) GetResult {
	if err := ctx.Err(); err != nil {
		return GetResult{Outcome: GetTimedOut, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return GetResult{Outcome: GetNotFound}
	}
	return GetResult{Outcome: GetFound, Bytes: append([]byte(nil), data...)}
}

func (m *MemoryClient) Delete(ctx context.Context, key string) DeleteResult {
	if err := ctx.Err(); err != nil {
		return DeleteResult{Outcome: DeleteTimedOut, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return DeleteResult{Outcome: DeleteNotFound}
	}
	delete(m.objects, key)
	delete(m.tags, key)
	return DeleteResult{Outcome: DeleteSuccess}
}

// Has reports whether key is currently present, for test assertions.
func (m *MemoryClient) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// TagsFor returns the tags last stored alongside key, for test assertions.
func (m *MemoryClient) TagsFor(key string) (Tags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[key]
	return t, ok
}

// Len reports the number of objects currently stored.
func (m *MemoryClient) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// PutCalls reports the cumulative number of Put invocations, including
// overwrites, for test assertions that a code path never writes.
func (m *MemoryClient) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

type transportErr struct{}

func (transportErr) Error() string { return "objstore: simulated transport error" }

var errTransport = transportErr{}
