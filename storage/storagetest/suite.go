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

// Package storagetest holds the conformance suite every storage.Store
// implementation must pass. The memory backend runs it unconditionally;
// the PostgreSQL backend runs it when a test database is configured.
package storagetest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/storage"
)

// StoreFactory returns a fresh, empty store for each subtest.
type StoreFactory func(t *testing.T) storage.Store

func commitment(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(i))
}

// root derives a distinct pseudo-root for chain-building tests. Roots
// only need to be unique field elements here.
func root(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(1_000_000 + i))
}

// appendChain appends n insertion rows with chained roots, returning the
// roots used.
func appendChain(t *testing.T, s storage.Store, n int) []hash.Hash {
	t.Helper()
	ctx := context.Background()
	roots := make([]hash.Hash, n)
	for i := 0; i < n; i++ {
		upd := storage.IdentityUpdate{
			LeafIndex:  uint64(i),
			Commitment: commitment(int64(i + 1)),
			Root:       root(int64(i)),
		}
		if i > 0 {
			pre := root(int64(i - 1))
			upd.PreRoot = &pre
		}
		require.NoError(t, s.AppendIdentity(ctx, upd))
		roots[i] = upd.Root
	}
	return roots
}

// RunStoreTests exercises the full Store contract.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("EnqueueInsertion", func(t *testing.T) { testEnqueueInsertion(t, factory) })
	t.Run("EnqueueDeletion", func(t *testing.T) { testEnqueueDeletion(t, factory) })
	t.Run("PreRootChain", func(t *testing.T) { testPreRootChain(t, factory) })
	t.Run("LeafUniqueness", func(t *testing.T) { testLeafUniqueness(t, factory) })
	t.Run("PersistBatch", func(t *testing.T) { testPersistBatch(t, factory) })
	t.Run("BatchChainLinearity", func(t *testing.T) { testBatchChain(t, factory) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, factory) })
	t.Run("MinedStatus", func(t *testing.T) { testMinedStatus(t, factory) })
	t.Run("Roots", func(t *testing.T) { testRoots(t, factory) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, factory) })
	t.Run("LeaderLock", func(t *testing.T) { testLeaderLock(t, factory) })
	t.Run("TimeoutGates", func(t *testing.T) { testTimeoutGates(t, factory) })
}

func testEnqueueInsertion(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.EnqueueInsertion(ctx, commitment(1), now))
	require.ErrorIs(t, s.EnqueueInsertion(ctx, commitment(1), now), storage.ErrDuplicateCommitment)

	n, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// FIFO by created_at.
	require.NoError(t, s.EnqueueInsertion(ctx, commitment(2), now.Add(time.Second)))
	require.NoError(t, s.EnqueueInsertion(ctx, commitment(3), now.Add(2*time.Second)))
	got, err := s.UnprocessedCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, commitment(1), got[0].Commitment)
	require.Equal(t, commitment(3), got[2].Commitment)

	got, err = s.UnprocessedCandidates(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func testEnqueueDeletion(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Deleting something unknown.
	require.ErrorIs(t, s.EnqueueDeletion(ctx, commitment(9), now), storage.ErrUnknownCommitment)

	// Deleting something still queued.
	require.NoError(t, s.EnqueueInsertion(ctx, commitment(9), now))
	require.ErrorIs(t, s.EnqueueDeletion(ctx, commitment(9), now), storage.ErrNotYetProcessed)

	// Once processed, deletion queues and resolves the leaf index.
	appendChain(t, s, 3)
	require.NoError(t, s.EnqueueDeletion(ctx, commitment(2), now))
	require.ErrorIs(t, s.EnqueueDeletion(ctx, commitment(2), now), storage.ErrAlreadyDeleted)

	dels, err := s.DeletionCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dels, 1)
	require.Equal(t, commitment(2), dels[0].Commitment)
	require.Equal(t, uint64(1), dels[0].LeafIndex)
}

func testPreRootChain(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	// First row must have a NULL pre-root.
	pre := root(50)
	err := s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 0, Commitment: commitment(1), PreRoot: &pre, Root: root(0),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)

	roots := appendChain(t, s, 2)

	// A later row must chain from the last root.
	bad := root(777)
	err = s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 2, Commitment: commitment(42), PreRoot: &bad, Root: root(2),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)

	// And a NULL pre-root is only allowed once.
	err = s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 2, Commitment: commitment(42), Root: root(2),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)

	// A correctly chained row lands.
	require.NoError(t, s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 2, Commitment: commitment(42), PreRoot: &roots[1], Root: root(2),
	}))
}

func testLeafUniqueness(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	roots := appendChain(t, s, 2)

	// Re-inserting an existing commitment at a new leaf is refused.
	err := s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 2, Commitment: commitment(1), PreRoot: &roots[1], Root: root(10),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)

	// Two insertions on one leaf are refused.
	err = s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 0, Commitment: commitment(33), PreRoot: &roots[1], Root: root(10),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)

	// One deletion per leaf.
	pre := roots[1]
	require.NoError(t, s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 0, Commitment: hash.Zero, PreRoot: &pre, Root: root(10),
	}))
	pre2 := root(10)
	err = s.AppendIdentity(ctx, storage.IdentityUpdate{
		LeafIndex: 0, Commitment: hash.Zero, PreRoot: &pre2, Root: root(11),
	})
	require.True(t, storage.IsInvariantViolation(err), "got %v", err)
}

func makeBatch(prevRoot, nextRoot hash.Hash, kind storage.BatchKind, updates []storage.IdentityUpdate) *storage.PendingBatch {
	pb := &storage.PendingBatch{
		Batch: storage.Batch{
			PrevRoot: &prevRoot,
			NextRoot: nextRoot,
			Kind:     kind,
		},
		Updates:  updates,
		FormedAt: time.Now().UTC(),
	}
	for i := range pb.Batch.Proof {
		pb.Batch.Proof[i] = big.NewInt(int64(i + 7))
	}
	for _, upd := range updates {
		pb.Batch.Commitments = append(pb.Batch.Commitments, upd.Commitment)
		pb.Batch.LeafIndexes = append(pb.Batch.LeafIndexes, upd.LeafIndex)
		if kind == storage.BatchInsertion {
			pb.ConsumedInsertions = append(pb.ConsumedInsertions, upd.Commitment)
		} else {
			pb.ConsumedDeletions = append(pb.ConsumedDeletions, upd.Commitment)
		}
	}
	return pb
}

// chainUpdates builds n chained updates starting at startLeaf, with the
// batch's pre root given.
func chainUpdates(preRoot *hash.Hash, startLeaf uint64, rootBase int64, commitments ...hash.Hash) []storage.IdentityUpdate {
	updates := make([]storage.IdentityUpdate, len(commitments))
	prev := preRoot
	for i, c := range commitments {
		updates[i] = storage.IdentityUpdate{
			LeafIndex:  startLeaf + uint64(i),
			Commitment: c,
			PreRoot:    prev,
			Root:       root(rootBase + int64(i)),
		}
		r := updates[i].Root
		prev = &r
	}
	return updates
}

func testPersistBatch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	emptyRoot := root(100)
	require.NoError(t, s.EnsureGenesisBatch(ctx, emptyRoot))
	// Idempotent.
	require.NoError(t, s.EnsureGenesisBatch(ctx, emptyRoot))

	head, err := s.BatchHead(ctx)
	require.NoError(t, err)
	require.Nil(t, head.PrevRoot)
	require.Equal(t, emptyRoot, head.NextRoot)

	require.NoError(t, s.EnqueueInsertion(ctx, commitment(1), now))
	require.NoError(t, s.EnqueueInsertion(ctx, commitment(2), now))

	updates := chainUpdates(nil, 0, 0, commitment(1), commitment(2))
	pb := makeBatch(emptyRoot, updates[1].Root, storage.BatchInsertion, updates)
	require.NoError(t, s.PersistBatch(ctx, pb))

	// Queue was trimmed in the same transaction.
	n, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// The batch row round-trips, proof included.
	latest, err := s.LatestBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, pb.Batch.NextRoot, latest.NextRoot)
	require.NotNil(t, latest.PrevRoot)
	require.Equal(t, emptyRoot, *latest.PrevRoot)
	require.Equal(t, storage.BatchInsertion, latest.Kind)
	if diff := cmp.Diff([]uint64{0, 1}, latest.LeafIndexes); diff != "" {
		t.Errorf("leaf indexes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(pb.Batch.Commitments, latest.Commitments); diff != "" {
		t.Errorf("commitments mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 0, latest.Proof[3].Cmp(big.NewInt(10)))

	// The log rows landed too.
	rec, err := s.IdentityByCommitment(ctx, commitment(2))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.LeafIndex)
	require.Equal(t, storage.StatusProcessed, rec.Status)

	next, err := s.NextLeafIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	// The insertion timeout gate was reset.
	gate, err := s.LatestInsertionTime(ctx, time.Time{})
	require.NoError(t, err)
	require.False(t, gate.IsZero())
}

func testBatchChain(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	emptyRoot := root(100)
	require.NoError(t, s.EnsureGenesisBatch(ctx, emptyRoot))

	updates := chainUpdates(nil, 0, 0, commitment(1))
	require.NoError(t, s.PersistBatch(ctx, makeBatch(emptyRoot, updates[0].Root, storage.BatchInsertion, updates)))

	// A batch that does not extend the chain tip is refused.
	orphanPre := root(555)
	orphan := makeBatch(orphanPre, root(556), storage.BatchInsertion, nil)
	err := s.PersistBatch(ctx, orphan)
	require.Error(t, err)

	// A duplicate next_root is refused.
	dup := makeBatch(updates[0].Root, updates[0].Root, storage.BatchInsertion, nil)
	require.Error(t, s.PersistBatch(ctx, dup))
}

func testTransactions(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	emptyRoot := root(100)
	require.NoError(t, s.EnsureGenesisBatch(ctx, emptyRoot))
	updates := chainUpdates(nil, 0, 0, commitment(1))
	nextRoot := updates[0].Root
	require.NoError(t, s.PersistBatch(ctx, makeBatch(emptyRoot, nextRoot, storage.BatchInsertion, updates)))

	// The formed batch is the unique unsubmitted one.
	b, err := s.NextUnsubmittedBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, nextRoot, b.NextRoot)

	require.NoError(t, s.RecordTransaction(ctx, nextRoot, "tx-1", now))
	require.ErrorIs(t, s.RecordTransaction(ctx, nextRoot, "tx-2", now), storage.ErrAlreadySubmitted)

	_, err = s.NextUnsubmittedBatch(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	txs, err := s.Transactions(ctx, true)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "tx-1", txs[0].TransactionID)

	require.NoError(t, s.MarkTransactionMined(ctx, "tx-1", now))
	txs, err = s.Transactions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, txs)
	txs, err = s.Transactions(ctx, false)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].MinedAt)

	// Deleting the transaction re-exposes the batch for submission.
	require.NoError(t, s.DeleteTransaction(ctx, "tx-1"))
	b, err = s.NextUnsubmittedBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, nextRoot, b.NextRoot)
}

func testMinedStatus(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	roots := appendChain(t, s, 3)

	require.NoError(t, s.MarkMinedUpTo(ctx, roots[1], now))

	latest, err := s.LatestRoot(ctx, false)
	require.NoError(t, err)
	require.Equal(t, roots[2], latest)

	mined, err := s.LatestRoot(ctx, true)
	require.NoError(t, err)
	require.Equal(t, roots[1], mined)

	// Reorg rollback.
	require.NoError(t, s.MarkUnminedAfter(ctx, roots[0]))
	mined, err = s.LatestRoot(ctx, true)
	require.NoError(t, err)
	require.Equal(t, roots[0], mined)

	require.ErrorIs(t, s.MarkMinedUpTo(ctx, root(999), now), storage.ErrNotFound)
}

func testRoots(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	roots := appendChain(t, s, 2)

	st, err := s.RootState(ctx, roots[0])
	require.NoError(t, err)
	require.Equal(t, storage.RootPending, st.Status)

	require.NoError(t, s.MarkMinedUpTo(ctx, roots[0], now))
	st, err = s.RootState(ctx, roots[0])
	require.NoError(t, err)
	require.Equal(t, storage.RootMined, st.Status)
	require.NotNil(t, st.MinedValidAsOf)

	_, err = s.RootState(ctx, root(888))
	require.ErrorIs(t, err, storage.ErrNotFound)

	window, err := s.RootsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 2)
}

func testPrune(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	emptyRoot := root(100)
	require.NoError(t, s.EnsureGenesisBatch(ctx, emptyRoot))

	u1 := chainUpdates(nil, 0, 0, commitment(1))
	r1 := u1[0].Root
	require.NoError(t, s.PersistBatch(ctx, makeBatch(emptyRoot, r1, storage.BatchInsertion, u1)))
	u2 := chainUpdates(&r1, 1, 10, commitment(2))
	r2 := u2[0].Root
	require.NoError(t, s.PersistBatch(ctx, makeBatch(r1, r2, storage.BatchInsertion, u2)))

	require.NoError(t, s.RecordTransaction(ctx, r1, "tx-1", now))
	require.NoError(t, s.RecordTransaction(ctx, r2, "tx-2", now))

	require.NoError(t, s.PruneBatchesUpTo(ctx, r2))

	// r2's batch is the new anchor; earlier links and their transactions
	// are gone.
	head, err := s.BatchHead(ctx)
	require.NoError(t, err)
	require.Equal(t, r2, head.NextRoot)
	require.Nil(t, head.PrevRoot)

	txs, err := s.Transactions(ctx, false)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "tx-2", txs[0].TransactionID)
}

func testLeaderLock(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	release, err := s.AcquireLeaderLock(ctx)
	require.NoError(t, err)

	_, err = s.AcquireLeaderLock(ctx)
	require.ErrorIs(t, err, storage.ErrLeaderLockHeld)

	release()
	release2, err := s.AcquireLeaderLock(ctx)
	require.NoError(t, err)
	release2()
}

func testTimeoutGates(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.LatestInsertionTime(ctx, fallback)
	require.NoError(t, err)
	require.Equal(t, fallback, got)

	got, err = s.LatestDeletionTime(ctx, fallback)
	require.NoError(t, err)
	require.Equal(t, fallback, got)

	stamp := fallback.Add(time.Hour)
	require.NoError(t, s.UpdateLatestDeletionTime(ctx, stamp))
	got, err = s.LatestDeletionTime(ctx, fallback)
	require.NoError(t, err)
	require.True(t, got.Equal(stamp))
}
