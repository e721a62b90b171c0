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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/relayer"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// Submitter hands formed batches to the relayer in chain order. A batch
// row without a transaction row — whether just formed or orphaned by a
// crash — is picked up here; the former never re-forms it.
type Submitter struct {
	store   storage.Store
	relayer relayer.Relayer
	clk     clock.Clock
	cfg     Config
	wake    <-chan struct{}
}

// NewSubmitter builds a transaction submitter. wake may be nil.
func NewSubmitter(store storage.Store, rel relayer.Relayer, clk clock.Clock, cfg Config, wake <-chan struct{}) *Submitter {
	cfg.applyDefaults()
	return &Submitter{store: store, relayer: rel, clk: clk, cfg: cfg, wake: wake}
}

// Run submits batches until the context ends.
func (s *Submitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-s.clk.After(s.cfg.PollPeriod):
		}

		if err := s.drain(ctx); err != nil {
			if storage.IsInvariantViolation(err) {
				return err
			}
			klog.Errorf("Batch submission failed, will retry: %v", err)
		}
	}
}

func (s *Submitter) drain(ctx context.Context) error {
	for {
		submitted, err := s.SubmitNext(ctx)
		if err != nil || !submitted {
			return err
		}
	}
}

// SubmitNext submits the oldest unsubmitted batch, if any, and reports
// whether one went out.
func (s *Submitter) SubmitNext(ctx context.Context) (bool, error) {
	batch, err := s.store.NextUnsubmittedBatch(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// The predecessor must already be submitted (or be the chain anchor);
	// chain linearity makes this the only gate needed for in-order
	// submission.
	prev, err := s.store.BatchByNextRoot(ctx, *batch.PrevRoot)
	if err != nil {
		return false, fmt.Errorf("loading predecessor of batch %s: %w", batch.NextRoot, err)
	}
	if prev.PrevRoot != nil {
		if _, err := s.transactionFor(ctx, prev); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				klog.Warningf("Batch %s waits for its predecessor %s to be submitted", batch.NextRoot, prev.NextRoot)
				return false, nil
			}
			return false, err
		}
	}

	req := &relayer.SubmitRequest{
		Kind:        string(batch.Kind),
		PreRoot:     *batch.PrevRoot,
		PostRoot:    batch.NextRoot,
		StartIndex:  batch.StartIndex,
		Commitments: batch.Commitments,
		LeafIndexes: batch.LeafIndexes,
		Proof:       batch.Proof,
	}
	txID, err := s.relayer.Submit(ctx, req)
	if err != nil {
		return false, fmt.Errorf("submitting batch %s: %w", batch.NextRoot, err)
	}

	err = s.store.RecordTransaction(ctx, batch.NextRoot, txID, s.clk.Now().UTC())
	if errors.Is(err, storage.ErrAlreadySubmitted) {
		// A concurrent or crashed-and-recovered submission got there
		// first; the relayer deduplicated by post root, nothing to do.
		klog.Warningf("Batch %s was already submitted; relayer returned %s", batch.NextRoot, txID)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	metrics.BatchesSubmitted.Inc()
	klog.Infof("Submitted %s batch %s as transaction %s", batch.Kind, batch.NextRoot, txID)
	return true, nil
}

func (s *Submitter) transactionFor(ctx context.Context, batch *storage.Batch) (*storage.TransactionEntry, error) {
	txs, err := s.store.Transactions(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].BatchNextRoot == batch.NextRoot {
			return &txs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}
