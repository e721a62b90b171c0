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

package sequencer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/relayer"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/storage/memory"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

const testDepth = 10

var testStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func commitment(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(i))
}

type pipeline struct {
	store     *memory.Store
	state     *identitytree.State
	provers   *prover.Map
	relayer   *relayer.Mock
	clock     *clock.Manual
	intake    *Intake
	former    *Former
	submitter *Submitter
	finalizer *Finalizer
	cfg       Config
}

type proverSpec struct {
	size int
	kind prover.Kind
}

func newPipeline(t *testing.T, specs ...proverSpec) *pipeline {
	t.Helper()
	InitMetrics(nil)

	store := memory.New()
	state, err := identitytree.Initialize(context.Background(), store, testDepth)
	require.NoError(t, err)

	mocks := make([]prover.Prover, len(specs))
	for i, spec := range specs {
		mocks[i] = prover.NewMock(spec.size, spec.kind)
	}
	provers, err := prover.NewMap(mocks...)
	require.NoError(t, err)

	rel := relayer.NewMock()
	ts := clock.NewManual(testStart)
	cfg := Config{
		TreeDepth:        testDepth,
		PollPeriod:       5 * time.Second,
		InsertionTimeout: time.Minute,
		DeletionTimeout:  time.Minute,
	}

	p := &pipeline{
		store:     store,
		state:     state,
		provers:   provers,
		relayer:   rel,
		clock:     ts,
		intake:    NewIntake(store, ts, nil),
		former:    NewFormer(store, state, provers, ts, cfg, nil),
		submitter: NewSubmitter(store, rel, ts, cfg, nil),
		finalizer: NewFinalizer(store, rel, state, ts, cfg),
		cfg:       cfg,
	}
	p.former.startedAt = ts.Now()
	require.NoError(t, store.EnsureGenesisBatch(context.Background(), state.Batching.Root()))
	return p
}

func (p *pipeline) queueInsertions(t *testing.T, from, to int64) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, p.intake.QueueInsertion(context.Background(), commitment(i)))
		p.clock.Advance(time.Millisecond)
	}
}

func TestSingleInsertionBatch(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{1, prover.Insertion})

	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(1)))

	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	// The log has one row at leaf 0, with a NULL pre-root and a non-zero
	// post root.
	rec, err := p.store.IdentityByCommitment(ctx, commitment(1))
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec.LeafIndex)
	require.Nil(t, rec.PreRoot)
	require.False(t, rec.Root.IsZero())

	batch, err := p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Root, batch.NextRoot)
	require.Equal(t, storage.BatchInsertion, batch.Kind)

	// The inclusion proof against the processed snapshot verifies to the
	// batch's next root.
	proof, root, err := p.state.Processed.Proof(0)
	require.NoError(t, err)
	require.Equal(t, batch.NextRoot, root)
	require.True(t, proof.Verify(root, commitment(1)))

	// The queue drained.
	n, err := p.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBatchSizeSelectionAndPadding(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{3, prover.Insertion}, proverSpec{10, prover.Insertion})

	p.queueInsertions(t, 1, 5)

	// Five queued, sizes {3, 10}: the largest fitting size is 3, formed
	// immediately without waiting for the timeout.
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	batch, err := p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Commitments, 3)

	// The remaining two are below every circuit size; nothing forms
	// before the timeout.
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.False(t, formed)

	// After the timeout a padded batch of circuit size 3 goes out
	// carrying just the two real commitments.
	p.clock.Advance(p.cfg.InsertionTimeout + time.Second)
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	batch, err = p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Commitments, 2)
	require.Equal(t, []uint64{3, 4}, batch.LeafIndexes)

	n, err := p.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDeletionBatchWinsAndZeroesLeaf(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t,
		proverSpec{10, prover.Insertion},
		proverSpec{1, prover.Deletion})

	p.queueInsertions(t, 1, 10)
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	rootAfterInsert := p.state.Processed.Root()

	// Delete c5 and queue more insertions; the deletion goes first.
	require.NoError(t, p.intake.QueueDeletion(ctx, commitment(5)))
	p.queueInsertions(t, 11, 20)

	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	batch, err := p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.BatchDeletion, batch.Kind)
	require.Equal(t, []uint64{4}, batch.LeafIndexes)
	require.NotEqual(t, rootAfterInsert, batch.NextRoot)

	// The leaf is zero in the processed snapshot.
	leaf, err := p.state.Processed.Leaf(4)
	require.NoError(t, err)
	require.True(t, leaf.IsZero())

	// Deleted commitments cannot come back.
	err = p.intake.QueueInsertion(ctx, commitment(5))
	require.ErrorIs(t, err, storage.ErrPreviouslyDeleted)

	// Deleted leaves are not reused: the next insertion batch continues
	// at leaf 10.
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	batch, err = p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.BatchInsertion, batch.Kind)
	require.Equal(t, uint64(10), batch.StartIndex)
}

func TestSubmitterAdoptsUnsubmittedBatch(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{1, prover.Insertion})

	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(1)))
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	// A fresh submitter (as after a restart) adopts the formed batch.
	restarted := NewSubmitter(p.store, p.relayer, p.clock, p.cfg, nil)
	submitted, err := restarted.SubmitNext(ctx)
	require.NoError(t, err)
	require.True(t, submitted)

	// No duplicate submission on the next pass.
	submitted, err = restarted.SubmitNext(ctx)
	require.NoError(t, err)
	require.False(t, submitted)
	require.Equal(t, 1, p.relayer.Submissions())
}

func TestSubmitterOrdersByChain(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{1, prover.Insertion})

	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(1)))
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(2)))
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	// Two batches pending: both submit, in chain order.
	require.NoError(t, p.submitter.drain(ctx))
	require.Equal(t, 2, p.relayer.Submissions())

	txs, err := p.store.Transactions(ctx, false)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	first := p.relayer.Request(txs[0].TransactionID)
	second := p.relayer.Request(txs[1].TransactionID)
	require.Equal(t, first.PostRoot, second.PreRoot)
}

func TestFinalizerAdvancesMinedState(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{2, prover.Insertion})

	p.queueInsertions(t, 1, 2)
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.NoError(t, p.submitter.drain(ctx))

	txs, err := p.store.Transactions(ctx, true)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	p.relayer.Mine(txs[0].TransactionID, 100)

	require.NoError(t, p.finalizer.Poll(ctx))

	require.Equal(t, p.state.Processed.Root(), p.state.Mined.Root())

	rec, err := p.store.IdentityByCommitment(ctx, commitment(1))
	require.NoError(t, err)
	require.Equal(t, storage.StatusMined, rec.Status)

	// The mined batch keeps its chain link for reorg rollback; only the
	// links behind it are pruned.
	mined, err := p.store.BatchByNextRoot(ctx, p.state.Mined.Root())
	require.NoError(t, err)
	require.NotNil(t, mined.PrevRoot)

	// A second mined batch prunes the genesis anchor behind the first.
	p.queueInsertions(t, 3, 4)
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.NoError(t, p.submitter.drain(ctx))
	txs, err = p.store.Transactions(ctx, true)
	require.NoError(t, err)
	p.relayer.Mine(txs[0].TransactionID, 101)
	require.NoError(t, p.finalizer.Poll(ctx))

	head, err := p.store.BatchHead(ctx)
	require.NoError(t, err)
	require.Equal(t, mined.NextRoot, head.NextRoot)
}

func TestReorgRewindsAndResubmits(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{1, prover.Insertion})

	// Mine batch 1.
	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(1)))
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.NoError(t, p.submitter.drain(ctx))
	txs, err := p.store.Transactions(ctx, true)
	require.NoError(t, err)
	p.relayer.Mine(txs[0].TransactionID, 1)
	require.NoError(t, p.finalizer.Poll(ctx))
	rootAfter1 := p.state.Mined.Root()

	// Mine batch 2.
	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(2)))
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.NoError(t, p.submitter.drain(ctx))
	txs, err = p.store.Transactions(ctx, true)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx2 := txs[0].TransactionID
	p.relayer.Mine(tx2, 2)
	require.NoError(t, p.finalizer.Poll(ctx))
	rootAfter2 := p.state.Mined.Root()
	require.NotEqual(t, rootAfter1, rootAfter2)

	// Batch 2's transaction reorgs away.
	p.relayer.Reorg(tx2)
	require.NoError(t, p.finalizer.Poll(ctx))
	require.Equal(t, rootAfter1, p.state.Mined.Root())

	// The processed log is untouched.
	require.Equal(t, rootAfter2, p.state.Processed.Root())

	// The submitter resubmits; on re-mine the mined state returns.
	require.NoError(t, p.submitter.drain(ctx))
	txs, err = p.store.Transactions(ctx, true)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	p.relayer.Mine(txs[0].TransactionID, 3)
	require.NoError(t, p.finalizer.Poll(ctx))
	require.Equal(t, rootAfter2, p.state.Mined.Root())
}

func TestProverFailureReleasesOptimisticLayer(t *testing.T) {
	ctx := context.Background()
	mock := prover.NewMock(1, prover.Insertion)
	p := newPipeline(t)
	provers, err := prover.NewMap(mock)
	require.NoError(t, err)
	p.provers = provers
	p.former = NewFormer(p.store, p.state, provers, p.clock, p.cfg, nil)
	p.former.startedAt = p.clock.Now()

	require.NoError(t, p.intake.QueueInsertion(ctx, commitment(1)))
	batchingRoot := p.state.Batching.Root()

	mock.FailWith(errors.New("prover offline"))
	_, err = p.former.FormBatch(ctx)
	require.Error(t, err)
	require.Equal(t, batchingRoot, p.state.Latest.Root())

	// The identity is still queued; recovery retries and succeeds.
	mock.FailWith(nil)
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	require.Equal(t, p.state.Processed.Root(), p.state.Latest.Root())
}

func TestCapacityRejectionDowngrades(t *testing.T) {
	ctx := context.Background()
	big10 := prover.NewMock(10, prover.Insertion)
	small := prover.NewMock(3, prover.Insertion)
	p := newPipeline(t)
	provers, err := prover.NewMap(big10, small)
	require.NoError(t, err)
	p.provers = provers
	p.former = NewFormer(p.store, p.state, provers, p.clock, p.cfg, nil)
	p.former.startedAt = p.clock.Now()

	p.queueInsertions(t, 1, 10)
	big10.FailWith(&prover.RemoteError{Code: "batch_size_mismatch", Message: "capacity"})

	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	batch, err := p.store.LatestBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Commitments, 3)
}

func TestSingleFormerLeaderLock(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{1, prover.Insertion})

	release, err := p.store.AcquireLeaderLock(ctx)
	require.NoError(t, err)

	// A second former cannot take leadership while the lock is held.
	lockCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := p.former.acquireLeadership(lockCtx)
		done <- err
	}()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	release()
	releaseAgain, err := p.former.acquireLeadership(ctx)
	require.NoError(t, err)
	releaseAgain()
}

func TestRestartReconstructsBatchingRoot(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, proverSpec{2, prover.Insertion}, proverSpec{5, prover.Insertion})

	p.queueInsertions(t, 1, 7)
	formed, err := p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)
	formed, err = p.former.FormBatch(ctx)
	require.NoError(t, err)
	require.True(t, formed)

	// Replaying the same store yields the same batching root.
	rebuilt, err := identitytree.Initialize(ctx, p.store, testDepth)
	require.NoError(t, err)
	require.Equal(t, p.state.Batching.Root(), rebuilt.Batching.Root())
	require.Equal(t, p.state.Processed.Root(), rebuilt.Processed.Root())
}
