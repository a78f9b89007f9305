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

// Package leaderterm is the archiver's consensus/replication collaborator
// (spec §1: "out of scope... treated as an external collaborator"). It
// answers exactly two questions an archiver needs: who is the leader of a
// partition right now, and what term is that leadership valid for. A term
// change is the archiver's leader-epoch guard (spec §9): any archival
// metadata mutation started under a stale term must be discarded.
package leaderterm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/singleflight"
)

const (
	// leasePrefix is the etcd key prefix for partition leadership leases.
	leasePrefix = "/kafscale/archival-leadership"

	// defaultLeaseTTLSeconds is the TTL for a leadership lease. When the
	// holder dies, its lease expires after this many seconds and another
	// replica may become leader, bumping the term.
	defaultLeaseTTLSeconds = 10
)

var (
	// ErrNotLeader is returned when the caller does not hold leadership of
	// the requested partition.
	ErrNotLeader = errors.New("leaderterm: not leader for this partition")

	// ErrShuttingDown is returned once ReleaseAll has been called. Callers
	// should treat this the same as ErrNotLeader.
	ErrShuttingDown = errors.New("leaderterm: source is shut down")
)

// PartitionID identifies a topic-partition pair.
type PartitionID struct {
	Topic     string
	Partition int32
}

func (p PartitionID) key() string {
	return fmt.Sprintf("%s:%d", p.Topic, p.Partition)
}

// Term describes the leadership state of a partition at a point in time.
type Term struct {
	Number   int64
	IsLeader bool
}

// EtcdSourceConfig configures the term source.
type EtcdSourceConfig struct {
	// ReplicaID identifies this process in leadership records.
	ReplicaID string
	// LeaseTTLSeconds controls how long a leadership lease survives after
	// the holder stops refreshing it.
	LeaseTTLSeconds int
	Logger          *slog.Logger
}

// EtcdSource is a term source backed by etcd leases and sessions; it
// satisfies archival.TermSource.
//
// All leadership keys share a single etcd session/lease, so keepalive cost
// is O(1) regardless of partition count. When the session dies (process
// crash, network partition), etcd expires every key after the TTL and the
// source clears its local leadership map in one shot.
//
// Concurrent Acquire calls for the same partition are deduplicated via
// singleflight, exactly as the teacher's partition-ownership lease manager
// deduplicates produce-path acquisitions.
type EtcdSource struct {
	client    *clientv3.Client
	replicaID string
	ttl       int
	logger    *slog.Logger
	closed    atomic.Bool

	mu      sync.RWMutex
	terms   map[string]Term
	session *concurrency.Session

	watchOnce sync.Map // key -> struct{}, guards one watcher goroutine per partition

	acquireFlight singleflight.Group
}

// NewEtcdSource creates a term source backed by the given etcd client.
func NewEtcdSource(client *clientv3.Client, cfg EtcdSourceConfig) *EtcdSource {
	ttl := cfg.LeaseTTLSeconds
	if ttl <= 0 {
		ttl = defaultLeaseTTLSeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdSource{
		client:    client,
		replicaID: cfg.ReplicaID,
		ttl:       ttl,
		logger:    logger,
		terms:     make(map[string]Term),
	}
}

func leaseKey(p PartitionID) string {
	return fmt.Sprintf("%s/%s/%d", leasePrefix, p.Topic, p.Partition)
}

func encodeValue(replicaID string, term int64) string {
	return fmt.Sprintf("%s|%d", replicaID, term)
}

func decodeValue(v string) (replicaID string, term int64, ok bool) {
	idx := strings.LastIndex(v, "|")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return v[:idx], n, true
}

// Acquire tries to become leader of the partition. If this replica is
// already leader, it returns the current term immediately. If another
// replica holds leadership, it returns ErrNotLeader.
func (s *EtcdSource) Acquire(ctx context.Context, p PartitionID) (Term, error) {
	if s.closed.Load() {
		return Term{}, ErrShuttingDown
	}

	key := p.key()

	s.mu.RLock()
	if t, ok := s.terms[key]; ok && t.IsLeader {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.acquireFlight.Do(key, func() (interface{}, error) {
		return s.doAcquire(ctx, p)
	})
	if err != nil {
		return Term{}, err
	}
	return v.(Term), nil
}

func (s *EtcdSource) doAcquire(ctx context.Context, p PartitionID) (Term, error) {
	key := p.key()

	s.mu.RLock()
	if t, ok := s.terms[key]; ok && t.IsLeader {
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	session, err := s.getOrCreateSession(ctx)
	if err != nil {
		return Term{}, fmt.Errorf("get session: %w", err)
	}

	lk := leaseKey(p)

	txnCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The term counter lives in a key without a lease, so it survives the
	// expiry of the leadership key and the next leader's term is higher.
	termKey := lk + "/term"
	prevTerm, termRev := int64(0), int64(0)
	if getResp, err := s.client.Get(txnCtx, termKey); err == nil && len(getResp.Kvs) > 0 {
		if n, err := strconv.ParseInt(string(getResp.Kvs[0].Value), 10, 64); err == nil {
			prevTerm = n
		}
		termRev = getResp.Kvs[0].ModRevision
	}
	nextTerm := prevTerm + 1

	txnResp, err := s.client.Txn(txnCtx).
		If(clientv3.Compare(clientv3.CreateRevision(lk), "=", 0), clientv3.Compare(clientv3.ModRevision(termKey), "=", termRev)).
		Then(
			clientv3.OpPut(lk, encodeValue(s.replicaID, nextTerm), clientv3.WithLease(session.Lease())),
			clientv3.OpPut(termKey, strconv.FormatInt(nextTerm, 10)),
		).
		Else(clientv3.OpGet(lk)).
		Commit()
	if err != nil {
		return Term{}, fmt.Errorf("leadership txn: %w", err)
	}

	if !txnResp.Succeeded {
		if len(txnResp.Responses) > 0 {
			if rangeResp := txnResp.Responses[0].GetResponseRange(); rangeResp != nil && len(rangeResp.Kvs) > 0 {
				owner, term, ok := decodeValue(string(rangeResp.Kvs[0].Value))
				if ok && owner == s.replicaID {
					return s.reacquire(ctx, p, lk, session, term)
				}
			}
		}
		return Term{}, ErrNotLeader
	}

	t := Term{Number: nextTerm, IsLeader: true}
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return Term{}, fmt.Errorf("session changed during acquire")
	}
	s.terms[key] = t
	s.mu.Unlock()

	s.logger.Info("acquired archival leadership",
		"topic", p.Topic, "partition", p.Partition, "term", t.Number, "replica", s.replicaID)
	s.startWatch(p)
	return t, nil
}

// reacquire refreshes our own leadership record under a new session without
// bumping the term: the epoch only advances when leadership actually
// changes hands, not on session refresh.
func (s *EtcdSource) reacquire(ctx context.Context, p PartitionID, lk string, session *concurrency.Session, term int64) (Term, error) {
	key := p.key()

	txnCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	txnResp, err := s.client.Txn(txnCtx).
		If(clientv3.Compare(clientv3.Value(lk), "=", encodeValue(s.replicaID, term))).
		Then(clientv3.OpPut(lk, encodeValue(s.replicaID, term), clientv3.WithLease(session.Lease()))).
		Commit()
	if err != nil {
		return Term{}, fmt.Errorf("reacquire leadership: %w", err)
	}
	if !txnResp.Succeeded {
		return Term{}, ErrNotLeader
	}

	t := Term{Number: term, IsLeader: true}
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return Term{}, fmt.Errorf("session changed during reacquire")
	}
	s.terms[key] = t
	s.mu.Unlock()

	s.logger.Info("reacquired archival leadership",
		"topic", p.Topic, "partition", p.Partition, "term", t.Number, "replica", s.replicaID)
	s.startWatch(p)
	return t, nil
}

func (s *EtcdSource) getOrCreateSession(ctx context.Context) (*concurrency.Session, error) {
	s.mu.Lock()
	if s.session != nil {
		select {
		case <-s.session.Done():
			s.session = nil
			s.terms = make(map[string]Term)
		default:
			sess := s.session
			s.mu.Unlock()
			return sess, nil
		}
	}
	s.mu.Unlock()

	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(s.ttl))
	if err != nil {
		return nil, fmt.Errorf("create etcd session: %w", err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		session.Close()
		return nil, ErrShuttingDown
	}
	if s.session != nil {
		select {
		case <-s.session.Done():
		default:
			sess := s.session
			s.mu.Unlock()
			session.Close()
			return sess, nil
		}
	}
	s.session = session
	go s.monitorSession(session)
	s.mu.Unlock()
	return session, nil
}

func (s *EtcdSource) monitorSession(session *concurrency.Session) {
	<-session.Done()

	s.mu.Lock()
	if s.session == session {
		s.session = nil
		count := len(s.terms)
		s.terms = make(map[string]Term)
		s.mu.Unlock()
		s.logger.Warn("archival leadership session expired, cleared all terms",
			"replica", s.replicaID, "count", count)
	} else {
		s.mu.Unlock()
	}
}

// Current returns the last-known term for a partition without contacting
// etcd. IsLeader is false if this replica does not currently hold
// leadership (including if it has never tried to acquire it).
func (s *EtcdSource) Current(p PartitionID) Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terms[p.key()]
}

// Release gives up leadership of a single partition.
func (s *EtcdSource) Release(p PartitionID) {
	key := p.key()
	s.mu.Lock()
	_, ok := s.terms[key]
	delete(s.terms, key)
	s.mu.Unlock()

	if ok {
		lk := leaseKey(p)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.client.Delete(ctx, lk); err != nil {
			s.logger.Warn("failed to delete leadership key", "key", lk, "error", err)
		}
		s.logger.Info("released archival leadership", "topic", p.Topic, "partition", p.Partition)
	}
}

// ReleaseAll releases all held leadership, closing the shared session so
// its lease (and every attached key) is revoked atomically. Called during
// graceful shutdown.
func (s *EtcdSource) ReleaseAll() {
	s.closed.Store(true)
	s.mu.Lock()
	count := len(s.terms)
	s.terms = make(map[string]Term)
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session != nil {
		session.Close()
	}
	s.logger.Info("released all archival leadership", "replica", s.replicaID, "count", count)
}

// startWatch ensures exactly one background watcher runs per partition,
// updating the in-memory term whenever the etcd key changes (e.g. another
// replica takes over after our session expires, bumping the term).
func (s *EtcdSource) startWatch(p PartitionID) {
	key := p.key()
	if _, loaded := s.watchOnce.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	go s.watch(p)
}

func (s *EtcdSource) watch(p PartitionID) {
	lk := leaseKey(p)
	key := p.key()
	watchChan := s.client.Watch(context.Background(), lk)
	for resp := range watchChan {
		if resp.Err() != nil {
			continue
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				owner, term, ok := decodeValue(string(ev.Kv.Value))
				if !ok {
					continue
				}
				s.mu.Lock()
				s.terms[key] = Term{Number: term, IsLeader: owner == s.replicaID}
				s.mu.Unlock()
			case clientv3.EventTypeDelete:
				s.mu.Lock()
				if t, ok := s.terms[key]; ok {
					s.terms[key] = Term{Number: t.Number, IsLeader: false}
				}
				s.mu.Unlock()
			}
		}
	}
}
