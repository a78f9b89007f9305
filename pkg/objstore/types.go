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

// Package objstore is the archiver's external collaborator contract for the
// remote object store (spec §6): put/get/delete keyed by opaque object keys,
// with a small outcome taxonomy the archival layer switches on instead of
// inspecting transport-specific errors.
package objstore

import "context"

// PutOutcome classifies the result of a Put call.
type PutOutcome int

const (
	PutSuccess PutOutcome = iota
	PutPreconditionFailed
	PutTransportError
	PutTimedOut
)

// GetOutcome classifies the result of a Get call.
type GetOutcome int

const (
	GetFound GetOutcome = iota
	GetNotFound
	GetTransportError
	GetTimedOut
)

// DeleteOutcome classifies the result of a Delete call.
type DeleteOutcome int

const (
	DeleteSuccess DeleteOutcome = iota
	DeleteNotFound
	DeleteTransportError
	DeleteTimedOut
)

// Tags are object-class key-value pairs attached to a Put (segment,
// manifest, or tx-metadata tag sets per spec §6).
type Tags map[string]string

// PutResult is the outcome of a Put call plus any transport error detail.
type PutResult struct {
	Outcome PutOutcome
	Err     error
}

// GetResult is the outcome of a Get call. Bytes is only valid when
// Outcome == GetFound.
type GetResult struct {
	Outcome GetOutcome
	Bytes   []byte
	Err     error
}

// DeleteResult is the outcome of a Delete call.
type DeleteResult struct {
	Outcome DeleteOutcome
	Err     error
}

// Client is the object-store contract the archival layer consumes. It is
// shared across archivers on a shard and must be safe for concurrent use
// (spec §5, "must be reentrant for concurrent requests").
type Client interface {
	Put(ctx context.Context, key string, payload []byte, tags Tags) PutResult
	Get(ctx context.Context, key string) GetResult
	Delete(ctx context.Context, key string) DeleteResult
}
