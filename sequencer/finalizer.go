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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/relayer"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// Finalizer polls the relayer for transaction status. Mined transactions
// advance the mined frontier and prune consumed chain links; reorged ones
// rewind the mined snapshot and requeue their batch for submission.
type Finalizer struct {
	store   storage.Store
	relayer relayer.Relayer
	state   *identitytree.State
	clk     clock.Clock
	cfg     Config

	// lastMinedID is the newest log row the mined snapshot reflects.
	lastMinedID int64
}

// NewFinalizer builds a finalizer continuing from the initializer's mined
// frontier.
func NewFinalizer(store storage.Store, rel relayer.Relayer, state *identitytree.State, clk clock.Clock, cfg Config) *Finalizer {
	cfg.applyDefaults()
	return &Finalizer{
		store:       store,
		relayer:     rel,
		state:       state,
		clk:         clk,
		cfg:         cfg,
		lastMinedID: state.LastMinedID,
	}
}

// Run polls until the context ends. InvariantErrors (a rewind that cannot
// be honored, a diverged chain) abort the loop.
func (f *Finalizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clk.After(f.cfg.PollPeriod):
		}

		if err := f.Poll(ctx); err != nil {
			if storage.IsInvariantViolation(err) {
				return err
			}
			klog.Errorf("Finalization pass failed, will retry: %v", err)
		}
	}
}

// Poll checks every live transaction in chain order. Processing stops at
// the first still-pending transaction: later ones cannot finalize ahead
// of it.
func (f *Finalizer) Poll(ctx context.Context) error {
	txs, err := f.store.Transactions(ctx, false)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		status, err := f.relayer.Status(ctx, tx.TransactionID)
		if err != nil {
			return fmt.Errorf("querying status of %s: %w", tx.TransactionID, err)
		}
		switch status.State {
		case relayer.TxPending:
			return nil
		case relayer.TxMined:
			if tx.MinedAt != nil {
				continue
			}
			if err := f.handleMined(ctx, tx, status.BlockNumber); err != nil {
				return err
			}
		case relayer.TxReorged:
			return f.handleReorged(ctx, tx)
		case relayer.TxFailed:
			return f.handleFailed(ctx, tx)
		}
	}
	return nil
}

func (f *Finalizer) handleMined(ctx context.Context, tx storage.TransactionEntry, block uint64) error {
	now := f.clk.Now().UTC()
	batch, err := f.store.BatchByNextRoot(ctx, tx.BatchNextRoot)
	if err != nil {
		return err
	}
	if err := f.store.MarkMinedUpTo(ctx, tx.BatchNextRoot, now); err != nil {
		return err
	}
	if err := f.store.MarkTransactionMined(ctx, tx.TransactionID, now); err != nil {
		return err
	}

	if err := f.advanceMinedTree(ctx); err != nil {
		return err
	}

	// Prune the consumed chain links behind the mined batch, keeping the
	// batch itself fully linked so a later reorg can still be rolled
	// back to its pre root.
	if batch.PrevRoot != nil {
		if err := f.store.PruneBatchesUpTo(ctx, *batch.PrevRoot); err != nil {
			return err
		}
	}

	metrics.BatchesMined.Inc()
	klog.Infof("Batch %s mined in block %d; mined root now %s", tx.BatchNextRoot, block, f.state.Mined.Root())
	return nil
}

// advanceMinedTree replays the newly mined log rows into the mined
// snapshot.
func (f *Finalizer) advanceMinedTree(ctx context.Context) error {
	for {
		rows, err := f.store.IdentitiesSince(ctx, f.lastMinedID, replayBatchSize)
		if err != nil {
			return err
		}
		var updates []storage.IdentityUpdate
		var lastID int64
		done := len(rows) == 0
		for _, row := range rows {
			if row.Status != storage.StatusMined {
				done = true
				break
			}
			updates = append(updates, storage.IdentityUpdate{
				LeafIndex:  row.LeafIndex,
				Commitment: row.Commitment,
				PreRoot:    row.PreRoot,
				Root:       row.Root,
			})
			lastID = row.ID
		}
		if len(updates) > 0 {
			if err := f.state.Mined.Apply(updates); err != nil {
				return err
			}
			f.lastMinedID = lastID
		}
		if done || len(rows) < replayBatchSize {
			return nil
		}
	}
}

const replayBatchSize = 1000

func (f *Finalizer) handleReorged(ctx context.Context, tx storage.TransactionEntry) error {
	metrics.ReorgsObserved.Inc()
	klog.Warningf("Transaction %s for batch %s reorged; rewinding mined state", tx.TransactionID, tx.BatchNextRoot)

	batch, err := f.store.BatchByNextRoot(ctx, tx.BatchNextRoot)
	if err != nil {
		return err
	}
	if batch.PrevRoot == nil {
		return &storage.InvariantError{Msg: fmt.Sprintf(
			"reorg reported for chain anchor %s", tx.BatchNextRoot)}
	}

	// The log and the processed snapshot stay; only the mined frontier
	// moves back. If the mined snapshot cannot reach the pre-reorg root
	// the divergence needs manual recovery.
	if err := f.store.MarkUnminedAfter(ctx, *batch.PrevRoot); err != nil {
		return err
	}
	if f.state.Mined.Root() != *batch.PrevRoot {
		if err := f.state.Mined.RewindToRoot(*batch.PrevRoot); err != nil {
			return &storage.InvariantError{Msg: "mined snapshot cannot rewind past reorg", Err: err}
		}
	}
	id, err := f.rowIDForRoot(ctx, *batch.PrevRoot)
	if err != nil {
		// The pre-reorg root predates the log (first batch); the mined
		// frontier returns to genesis.
		id = 0
	}
	f.lastMinedID = id

	// Requeue the batch; the submitter verifies chain continuity before
	// resubmitting.
	if err := f.store.DeleteTransaction(ctx, tx.TransactionID); err != nil {
		return err
	}
	return nil
}

// rowIDForRoot scans the log for the row that produced root. Only used
// on reorg, so the linear scan is acceptable.
func (f *Finalizer) rowIDForRoot(ctx context.Context, root hash.Hash) (int64, error) {
	var afterID int64
	for {
		rows, err := f.store.IdentitiesSince(ctx, afterID, replayBatchSize)
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			if row.Root == root {
				return row.ID, nil
			}
			afterID = row.ID
		}
		if len(rows) < replayBatchSize {
			return 0, storage.ErrNotFound
		}
	}
}

func (f *Finalizer) handleFailed(ctx context.Context, tx storage.TransactionEntry) error {
	klog.Errorf("Transaction %s for batch %s failed at the relayer; requeueing for submission", tx.TransactionID, tx.BatchNextRoot)
	return f.store.DeleteTransaction(ctx, tx.TransactionID)
}
