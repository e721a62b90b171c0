// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
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

// Package memory provides an in-memory storage.Store used by tests and
// the dev mode. It enforces the same invariants as the PostgreSQL
// backend: the pre-root chain on log appends, commitment and leaf
// uniqueness, and batch-chain linearity.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	identities []storage.IdentityRecord
	nextID     int64

	unprocessed []storage.UnprocessedEntry
	deletions   []storage.DeletionEntry

	batches     []storage.Batch
	nextBatchID int64

	transactions []storage.TransactionEntry

	latestInsertion *time.Time
	latestDeletion  *time.Time

	leaderHeld bool
}

// New returns an empty store.
func New() *Store {
	return &Store{nextID: 1, nextBatchID: 1}
}

var _ storage.Store = (*Store)(nil)

// latestRowFor returns the newest log row whose commitment is c, or nil.
func (s *Store) latestRowFor(c hash.Hash) *storage.IdentityRecord {
	for i := len(s.identities) - 1; i >= 0; i-- {
		if s.identities[i].Commitment == c {
			row := s.identities[i]
			return &row
		}
	}
	return nil
}

// deletionRowForLeaf reports whether a zero row exists for leafIndex
// after log row id.
func (s *Store) deletionRowForLeaf(leafIndex uint64, afterID int64) bool {
	for i := len(s.identities) - 1; i >= 0; i-- {
		row := s.identities[i]
		if row.ID <= afterID {
			return false
		}
		if row.Commitment.IsZero() && row.LeafIndex == leafIndex {
			return true
		}
	}
	return false
}

func (s *Store) inUnprocessed(c hash.Hash) bool {
	for _, e := range s.unprocessed {
		if e.Commitment == c {
			return true
		}
	}
	return false
}

func (s *Store) inDeletionQueue(c hash.Hash) bool {
	for _, e := range s.deletions {
		if e.Commitment == c {
			return true
		}
	}
	return false
}

// EnqueueInsertion implements storage.Store.
func (s *Store) EnqueueInsertion(ctx context.Context, commitment hash.Hash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUnprocessed(commitment) {
		return storage.ErrDuplicateCommitment
	}
	if row := s.latestRowFor(commitment); row != nil {
		if s.deletionRowForLeaf(row.LeafIndex, row.ID) {
			return storage.ErrPreviouslyDeleted
		}
		return storage.ErrDuplicateCommitment
	}
	s.unprocessed = append(s.unprocessed, storage.UnprocessedEntry{Commitment: commitment, CreatedAt: now})
	return nil
}

// EnqueueDeletion implements storage.Store.
func (s *Store) EnqueueDeletion(ctx context.Context, commitment hash.Hash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inDeletionQueue(commitment) {
		return storage.ErrAlreadyDeleted
	}
	if s.inUnprocessed(commitment) {
		return storage.ErrNotYetProcessed
	}
	row := s.latestRowFor(commitment)
	if row == nil {
		return storage.ErrUnknownCommitment
	}
	if s.deletionRowForLeaf(row.LeafIndex, row.ID) {
		return storage.ErrAlreadyDeleted
	}
	s.deletions = append(s.deletions, storage.DeletionEntry{
		Commitment: commitment,
		LeafIndex:  row.LeafIndex,
		CreatedAt:  now,
	})
	return nil
}

// UnprocessedCandidates implements storage.Store.
func (s *Store) UnprocessedCandidates(ctx context.Context, limit int) ([]storage.UnprocessedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.UnprocessedEntry, len(s.unprocessed))
	copy(out, s.unprocessed)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeletionCandidates implements storage.Store.
func (s *Store) DeletionCandidates(ctx context.Context, limit int) ([]storage.DeletionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.DeletionEntry, len(s.deletions))
	copy(out, s.deletions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountUnprocessed implements storage.Store.
func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unprocessed), nil
}

// InUnprocessedQueue implements storage.Store.
func (s *Store) InUnprocessedQueue(ctx context.Context, commitment hash.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUnprocessed(commitment), nil
}

// appendIdentityLocked enforces the pre-root chain and uniqueness before
// appending. Callers hold s.mu.
func (s *Store) appendIdentityLocked(upd storage.IdentityUpdate, now time.Time) error {
	if len(s.identities) == 0 {
		if upd.PreRoot != nil {
			return &storage.InvariantError{Msg: "first log row must have nil pre_root"}
		}
	} else {
		last := s.identities[len(s.identities)-1]
		if upd.PreRoot == nil || *upd.PreRoot != last.Root {
			return &storage.InvariantError{Msg: fmt.Sprintf(
				"pre_root chain break: append pre_root %v after root %s", upd.PreRoot, last.Root)}
		}
	}
	if !upd.Commitment.IsZero() {
		if row := s.latestRowFor(upd.Commitment); row != nil {
			return &storage.InvariantError{Msg: fmt.Sprintf("commitment %s already in log", upd.Commitment)}
		}
		for _, row := range s.identities {
			if !row.Commitment.IsZero() && row.LeafIndex == upd.LeafIndex {
				return &storage.InvariantError{Msg: fmt.Sprintf("leaf %d already written by an insertion", upd.LeafIndex)}
			}
		}
	} else {
		for _, row := range s.identities {
			if row.Commitment.IsZero() && row.LeafIndex == upd.LeafIndex {
				return &storage.InvariantError{Msg: fmt.Sprintf("leaf %d already deleted", upd.LeafIndex)}
			}
		}
	}

	rec := storage.IdentityRecord{
		ID:          s.nextID,
		LeafIndex:   upd.LeafIndex,
		Commitment:  upd.Commitment,
		Root:        upd.Root,
		PreRoot:     upd.PreRoot,
		Status:      storage.StatusProcessed,
		PendingAsOf: now,
	}
	s.nextID++
	s.identities = append(s.identities, rec)
	return nil
}

// AppendIdentity implements storage.Store.
func (s *Store) AppendIdentity(ctx context.Context, upd storage.IdentityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendIdentityLocked(upd, time.Now())
}

// IdentityByCommitment implements storage.Store.
func (s *Store) IdentityByCommitment(ctx context.Context, commitment hash.Hash) (*storage.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.latestRowFor(commitment)
	if row == nil {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

// IdentitiesSince implements storage.Store.
func (s *Store) IdentitiesSince(ctx context.Context, afterID int64, limit int) ([]storage.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.IdentityRecord
	for _, row := range s.identities {
		if row.ID > afterID {
			out = append(out, row)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// NextLeafIndex implements storage.Store.
func (s *Store) NextLeafIndex(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.identities) == 0 {
		return 0, nil
	}
	var max uint64
	for _, row := range s.identities {
		if row.LeafIndex > max {
			max = row.LeafIndex
		}
	}
	return max + 1, nil
}

// LatestRoot implements storage.Store.
func (s *Store) LatestRoot(ctx context.Context, onlyMined bool) (hash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.identities) - 1; i >= 0; i-- {
		if !onlyMined || s.identities[i].Status == storage.StatusMined {
			return s.identities[i].Root, nil
		}
	}
	return hash.Zero, storage.ErrNotFound
}

func rootItemFrom(row storage.IdentityRecord) storage.RootItem {
	item := storage.RootItem{
		Root:             row.Root,
		Status:           storage.RootPending,
		PendingValidAsOf: row.PendingAsOf,
	}
	if row.Status == storage.StatusMined {
		item.Status = storage.RootMined
		item.MinedValidAsOf = row.MinedAt
	}
	return item
}

// RootState implements storage.Store.
func (s *Store) RootState(ctx context.Context, root hash.Hash) (*storage.RootItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.identities {
		if row.Root == root {
			item := rootItemFrom(row)
			return &item, nil
		}
	}
	return nil, storage.ErrNotFound
}

// RootsSince implements storage.Store.
func (s *Store) RootsSince(ctx context.Context, cutoff time.Time) ([]storage.RootItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.RootItem
	for _, row := range s.identities {
		if !row.PendingAsOf.Before(cutoff) {
			out = append(out, rootItemFrom(row))
		}
	}
	return out, nil
}

func (s *Store) rowIDForRoot(root hash.Hash) (int64, bool) {
	for _, row := range s.identities {
		if row.Root == root {
			return row.ID, true
		}
	}
	return 0, false
}

// MarkMinedUpTo implements storage.Store.
func (s *Store) MarkMinedUpTo(ctx context.Context, root hash.Hash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.rowIDForRoot(root)
	if !ok {
		return storage.ErrNotFound
	}
	for i := range s.identities {
		if s.identities[i].ID <= id && s.identities[i].Status != storage.StatusMined {
			s.identities[i].Status = storage.StatusMined
			minedAt := now
			s.identities[i].MinedAt = &minedAt
		}
	}
	return nil
}

// MarkUnminedAfter implements storage.Store.
func (s *Store) MarkUnminedAfter(ctx context.Context, root hash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An unknown root predates the log; everything after it is the whole
	// log.
	id, _ := s.rowIDForRoot(root)
	for i := range s.identities {
		if s.identities[i].ID > id {
			s.identities[i].Status = storage.StatusProcessed
			s.identities[i].MinedAt = nil
		}
	}
	return nil
}

// latestBatchLocked returns the newest batch row, or nil.
func (s *Store) latestBatchLocked() *storage.Batch {
	if len(s.batches) == 0 {
		return nil
	}
	b := s.batches[len(s.batches)-1]
	return &b
}

// PersistBatch implements storage.Store.
func (s *Store) PersistBatch(ctx context.Context, pb *storage.PendingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the chain link before mutating anything.
	latest := s.latestBatchLocked()
	if pb.Batch.PrevRoot == nil {
		return &storage.InvariantError{Msg: "batch must link to a previous root"}
	}
	if latest == nil {
		return &storage.InvariantError{Msg: "batch chain has no genesis anchor"}
	}
	if *pb.Batch.PrevRoot != latest.NextRoot {
		return &storage.InvariantError{Msg: fmt.Sprintf(
			"batch chain break: prev_root %s does not extend %s", pb.Batch.PrevRoot, latest.NextRoot)}
	}
	for _, b := range s.batches {
		if b.NextRoot == pb.Batch.NextRoot {
			return &storage.InvariantError{Msg: fmt.Sprintf("batch next_root %s already exists", pb.Batch.NextRoot)}
		}
	}

	// Snapshot for rollback if an append fails mid-way.
	savedIdentities := len(s.identities)
	savedNextID := s.nextID
	for _, upd := range pb.Updates {
		if err := s.appendIdentityLocked(upd, pb.FormedAt); err != nil {
			s.identities = s.identities[:savedIdentities]
			s.nextID = savedNextID
			return err
		}
	}

	batch := pb.Batch
	batch.ID = s.nextBatchID
	batch.CreatedAt = pb.FormedAt
	s.nextBatchID++
	s.batches = append(s.batches, batch)

	s.removeUnprocessedLocked(pb.ConsumedInsertions)
	s.removeDeletionsLocked(pb.ConsumedDeletions)

	formedAt := pb.FormedAt
	if pb.Batch.Kind == storage.BatchInsertion {
		s.latestInsertion = &formedAt
	} else {
		s.latestDeletion = &formedAt
	}
	return nil
}

func (s *Store) removeUnprocessedLocked(commitments []hash.Hash) {
	if len(commitments) == 0 {
		return
	}
	drop := map[hash.Hash]bool{}
	for _, c := range commitments {
		drop[c] = true
	}
	kept := s.unprocessed[:0]
	for _, e := range s.unprocessed {
		if !drop[e.Commitment] {
			kept = append(kept, e)
		}
	}
	s.unprocessed = kept
}

func (s *Store) removeDeletionsLocked(commitments []hash.Hash) {
	if len(commitments) == 0 {
		return
	}
	drop := map[hash.Hash]bool{}
	for _, c := range commitments {
		drop[c] = true
	}
	kept := s.deletions[:0]
	for _, e := range s.deletions {
		if !drop[e.Commitment] {
			kept = append(kept, e)
		}
	}
	s.deletions = kept
}

// EnsureGenesisBatch implements storage.Store.
func (s *Store) EnsureGenesisBatch(ctx context.Context, root hash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.PrevRoot == nil {
			return nil
		}
	}
	if len(s.batches) > 0 {
		return &storage.InvariantError{Msg: "batch chain exists without a genesis anchor"}
	}
	s.batches = append(s.batches, storage.Batch{
		ID:        s.nextBatchID,
		NextRoot:  root,
		Kind:      storage.BatchInsertion,
		CreatedAt: time.Now(),
	})
	s.nextBatchID++
	return nil
}

// BatchHead implements storage.Store.
func (s *Store) BatchHead(ctx context.Context) (*storage.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.PrevRoot == nil {
			head := b
			return &head, nil
		}
	}
	return nil, storage.ErrNotFound
}

// LatestBatch implements storage.Store.
func (s *Store) LatestBatch(ctx context.Context) (*storage.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestBatchLocked()
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

// BatchByNextRoot implements storage.Store.
func (s *Store) BatchByNextRoot(ctx context.Context, root hash.Hash) (*storage.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.NextRoot == root {
			batch := b
			return &batch, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) transactionForRootLocked(root hash.Hash) *storage.TransactionEntry {
	for i := range s.transactions {
		if s.transactions[i].BatchNextRoot == root {
			return &s.transactions[i]
		}
	}
	return nil
}

// NextUnsubmittedBatch implements storage.Store.
func (s *Store) NextUnsubmittedBatch(ctx context.Context) (*storage.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.PrevRoot == nil {
			continue
		}
		if s.transactionForRootLocked(b.NextRoot) == nil {
			batch := b
			return &batch, nil
		}
	}
	return nil, storage.ErrNotFound
}

// RecordTransaction implements storage.Store.
func (s *Store) RecordTransaction(ctx context.Context, nextRoot hash.Hash, transactionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, b := range s.batches {
		if b.NextRoot == nextRoot {
			found = true
			break
		}
	}
	if !found {
		return storage.ErrNotFound
	}
	if s.transactionForRootLocked(nextRoot) != nil {
		return storage.ErrAlreadySubmitted
	}
	for _, tx := range s.transactions {
		if tx.TransactionID == transactionID {
			return storage.ErrAlreadySubmitted
		}
	}
	s.transactions = append(s.transactions, storage.TransactionEntry{
		TransactionID: transactionID,
		BatchNextRoot: nextRoot,
		CreatedAt:     now,
	})
	return nil
}

// Transactions implements storage.Store.
func (s *Store) Transactions(ctx context.Context, onlyUnmined bool) ([]storage.TransactionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.TransactionEntry
	for _, tx := range s.transactions {
		if onlyUnmined && tx.MinedAt != nil {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// MarkTransactionMined implements storage.Store.
func (s *Store) MarkTransactionMined(ctx context.Context, transactionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.transactions {
		if s.transactions[i].TransactionID == transactionID {
			minedAt := now
			s.transactions[i].MinedAt = &minedAt
			return nil
		}
	}
	return storage.ErrNotFound
}

// DeleteTransaction implements storage.Store.
func (s *Store) DeleteTransaction(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.transactions {
		if s.transactions[i].TransactionID == transactionID {
			s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// PruneBatchesUpTo implements storage.Store.
func (s *Store) PruneBatchesUpTo(ctx context.Context, root hash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frontier := -1
	for i, b := range s.batches {
		if b.NextRoot == root {
			frontier = i
			break
		}
	}
	if frontier < 0 {
		return storage.ErrNotFound
	}
	// The frontier batch becomes the new chain anchor; everything older
	// goes, along with the transactions of pruned batches.
	pruned := map[hash.Hash]bool{}
	for _, b := range s.batches[:frontier] {
		pruned[b.NextRoot] = true
	}
	s.batches = append([]storage.Batch{}, s.batches[frontier:]...)
	s.batches[0].PrevRoot = nil

	keptTxs := s.transactions[:0]
	for _, tx := range s.transactions {
		if !pruned[tx.BatchNextRoot] {
			keptTxs = append(keptTxs, tx)
		}
	}
	s.transactions = keptTxs
	return nil
}

// LatestInsertionTime implements storage.Store.
func (s *Store) LatestInsertionTime(ctx context.Context, fallback time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestInsertion == nil {
		return fallback, nil
	}
	return *s.latestInsertion, nil
}

// LatestDeletionTime implements storage.Store.
func (s *Store) LatestDeletionTime(ctx context.Context, fallback time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestDeletion == nil {
		return fallback, nil
	}
	return *s.latestDeletion, nil
}

// UpdateLatestDeletionTime implements storage.Store.
func (s *Store) UpdateLatestDeletionTime(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestDeletion = &t
	return nil
}

// AcquireLeaderLock implements storage.Store.
func (s *Store) AcquireLeaderLock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaderHeld {
		return nil, storage.ErrLeaderLockHeld
	}
	s.leaderHeld = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.leaderHeld = false
	}, nil
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements storage.Store.
func (s *Store) Close() {}
