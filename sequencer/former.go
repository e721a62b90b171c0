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
	"time"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/merkle"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// Config tunes the pipeline tasks.
type Config struct {
	// TreeDepth is the contract tree depth, typically 30.
	TreeDepth int
	// PollPeriod is the former/submitter/finalizer tick interval.
	PollPeriod time.Duration
	// InsertionTimeout forces an undersized, zero-padded insertion batch
	// once the gate is older than this.
	InsertionTimeout time.Duration
	// DeletionTimeout forces an undersized deletion batch likewise.
	DeletionTimeout time.Duration
	// MaxQueueFetch bounds how many queue entries one pass considers.
	MaxQueueFetch int
	// LeaderRetryPeriod is how long a non-leader waits before retrying
	// the leader lock.
	LeaderRetryPeriod time.Duration
}

// applyDefaults fills the zero values.
func (c *Config) applyDefaults() {
	if c.TreeDepth == 0 {
		c.TreeDepth = 30
	}
	if c.PollPeriod == 0 {
		c.PollPeriod = 5 * time.Second
	}
	if c.InsertionTimeout == 0 {
		c.InsertionTimeout = 3 * time.Minute
	}
	if c.DeletionTimeout == 0 {
		c.DeletionTimeout = time.Hour
	}
	if c.MaxQueueFetch == 0 {
		c.MaxQueueFetch = 10000
	}
	if c.LeaderRetryPeriod == 0 {
		c.LeaderRetryPeriod = 10 * time.Second
	}
}

// Former assembles batches from the intake queues, drives the prover and
// persists the result. Exactly one former runs at a time, guarded by the
// store's leader lock.
type Former struct {
	store     storage.Store
	state     *identitytree.State
	provers   *prover.Map
	clk       clock.Clock
	cfg       Config
	wake      <-chan struct{}
	startedAt time.Time
}

// NewFormer builds a batch former. wake may be nil.
func NewFormer(store storage.Store, state *identitytree.State, provers *prover.Map, clk clock.Clock, cfg Config, wake <-chan struct{}) *Former {
	cfg.applyDefaults()
	return &Former{
		store:   store,
		state:   state,
		provers: provers,
		clk:     clk,
		cfg:     cfg,
		wake:    wake,
	}
}

// Run acquires the leader lock, anchors the batch chain and forms batches
// until the context ends. InvariantErrors abort the loop; everything else
// is retried on the next tick.
func (f *Former) Run(ctx context.Context) error {
	release, err := f.acquireLeadership(ctx)
	if err != nil {
		return err
	}
	defer release()

	f.startedAt = f.clk.Now().UTC()
	if err := f.store.EnsureGenesisBatch(ctx, f.state.Batching.Root()); err != nil {
		return fmt.Errorf("anchoring batch chain: %w", err)
	}
	klog.Infof("Batch former running: batching root %s", f.state.Batching.Root())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
		case <-f.clk.After(f.cfg.PollPeriod):
		}

		if err := f.drain(ctx); err != nil {
			if storage.IsInvariantViolation(err) {
				return err
			}
			metrics.FormerErrors.Inc()
			klog.Errorf("Batch formation failed, will retry: %v", err)
		}
	}
}

// drain forms batches until the queues cannot fill another one.
func (f *Former) drain(ctx context.Context) error {
	for {
		formed, err := f.FormBatch(ctx)
		if err != nil || !formed {
			return err
		}
	}
}

func (f *Former) acquireLeadership(ctx context.Context) (func(), error) {
	for {
		release, err := f.store.AcquireLeaderLock(ctx)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, storage.ErrLeaderLockHeld) {
			return nil, err
		}
		klog.V(1).Infof("Leader lock held elsewhere; retrying in %v", f.cfg.LeaderRetryPeriod)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.clk.After(f.cfg.LeaderRetryPeriod):
		}
	}
}

// FormBatch runs one formation pass and reports whether a batch was
// persisted. Deletion batches take precedence over insertions; kinds are
// never mixed.
func (f *Former) FormBatch(ctx context.Context) (bool, error) {
	now := f.clk.Now().UTC()

	if backlog, err := f.store.CountUnprocessed(ctx); err == nil {
		metrics.UnprocessedBacklog.Set(float64(backlog))
	}

	dels, err := f.store.DeletionCandidates(ctx, f.cfg.MaxQueueFetch)
	if err != nil {
		return false, err
	}
	if len(dels) > 0 && f.provers.HasKind(prover.Deletion) {
		size := f.provers.BestFit(prover.Deletion, len(dels))
		if size == 0 {
			gate, err := f.store.LatestDeletionTime(ctx, f.startedAt)
			if err != nil {
				return false, err
			}
			if now.Sub(gate) >= f.cfg.DeletionTimeout {
				size = f.provers.SmallestFitting(prover.Deletion, len(dels))
			}
		}
		if size > 0 {
			if len(dels) > size {
				dels = dels[:size]
			}
			return true, f.withDowngrade(ctx, prover.Deletion, size, func(size int) error {
				if len(dels) > size {
					dels = dels[:size]
				}
				return f.formDeletionBatch(ctx, dels, size, now)
			})
		}
	}

	ups, err := f.store.UnprocessedCandidates(ctx, f.cfg.MaxQueueFetch)
	if err != nil {
		return false, err
	}
	if len(ups) == 0 {
		return false, nil
	}
	size := f.provers.BestFit(prover.Insertion, len(ups))
	if size == 0 {
		gate, err := f.store.LatestInsertionTime(ctx, f.startedAt)
		if err != nil {
			return false, err
		}
		if now.Sub(gate) < f.cfg.InsertionTimeout {
			return false, nil
		}
		size = f.provers.SmallestFitting(prover.Insertion, len(ups))
		if size == 0 {
			klog.Warningf("No insertion prover can hold %d identities", len(ups))
			return false, nil
		}
	}
	if len(ups) > size {
		ups = ups[:size]
	}
	return true, f.withDowngrade(ctx, prover.Insertion, size, func(size int) error {
		if len(ups) > size {
			ups = ups[:size]
		}
		return f.formInsertionBatch(ctx, ups, size, now)
	})
}

// withDowngrade runs form with the selected batch size, downgrading to
// the next smaller supported circuit when the prover rejects the batch
// outright.
func (f *Former) withDowngrade(ctx context.Context, kind prover.Kind, size int, form func(size int) error) error {
	for {
		err := form(size)
		var remote *prover.RemoteError
		if err == nil || !errors.As(err, &remote) {
			return err
		}
		smaller := f.provers.NextSmaller(kind, size)
		if smaller == 0 {
			return err
		}
		klog.Warningf("Prover rejected %s batch of size %d (%v); downgrading to %d", kind, size, err, smaller)
		size = smaller
	}
}

// preRootPointer returns nil when the log is empty (the first row carries
// a NULL pre_root), else a copy of root.
func (f *Former) preRootPointer(ctx context.Context, root hash.Hash) (*hash.Hash, error) {
	_, err := f.store.LatestRoot(ctx, false)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := root
	return &r, nil
}

func (f *Former) formInsertionBatch(ctx context.Context, entries []storage.UnprocessedEntry, size int, now time.Time) error {
	preRoot := f.state.Latest.Root()
	if preRoot != f.state.Batching.Root() {
		return &storage.InvariantError{Msg: fmt.Sprintf(
			"latest root %s diverged from batching root %s outside formation", preRoot, f.state.Batching.Root())}
	}
	startIndex, err := f.store.NextLeafIndex(ctx)
	if err != nil {
		return err
	}

	working := f.state.Latest.Tree()
	updates := make([]storage.IdentityUpdate, 0, len(entries))
	identities := make([]prover.Identity, 0, size)
	consumed := make([]hash.Hash, 0, len(entries))

	for k, e := range entries {
		idx := startIndex + uint64(k)
		proof, err := working.Proof(idx)
		if err != nil {
			return err
		}
		pre := working.Root()
		next, err := working.Set(idx, e.Commitment)
		if err != nil {
			return err
		}
		preCopy := pre
		updates = append(updates, storage.IdentityUpdate{
			LeafIndex:  idx,
			Commitment: e.Commitment,
			PreRoot:    &preCopy,
			Root:       next.Root(),
		})
		identities = append(identities, prover.Identity{Commitment: e.Commitment, MerkleProof: proof})
		consumed = append(consumed, e.Commitment)
		working = next
	}
	// Pad the circuit with zero-commitment insertions; these do not touch
	// the tree or the log.
	for k := len(entries); k < size; k++ {
		idx := startIndex + uint64(k)
		proof, err := working.Proof(idx)
		if err != nil {
			return err
		}
		identities = append(identities, prover.Identity{Commitment: hash.Zero, MerkleProof: proof})
	}
	postRoot := working.Root()

	// The very first log row carries a NULL pre_root.
	firstPre, err := f.preRootPointer(ctx, preRoot)
	if err != nil {
		return err
	}
	if firstPre == nil && len(updates) > 0 {
		updates[0].PreRoot = nil
	}

	batch := storage.Batch{
		PrevRoot:    &preRoot,
		NextRoot:    postRoot,
		Kind:        storage.BatchInsertion,
		StartIndex:  startIndex,
		Commitments: consumed,
	}
	for _, upd := range updates {
		batch.LeafIndexes = append(batch.LeafIndexes, upd.LeafIndex)
	}

	input := &prover.Input{
		Kind:       prover.Insertion,
		StartIndex: uint32(startIndex),
		PreRoot:    preRoot,
		PostRoot:   postRoot,
		Identities: identities,
	}
	return f.proveAndPersist(ctx, batch, input, updates, consumed, nil, size, now)
}

func (f *Former) formDeletionBatch(ctx context.Context, entries []storage.DeletionEntry, size int, now time.Time) error {
	preRoot := f.state.Latest.Root()
	if preRoot != f.state.Batching.Root() {
		return &storage.InvariantError{Msg: fmt.Sprintf(
			"latest root %s diverged from batching root %s outside formation", preRoot, f.state.Batching.Root())}
	}

	working := f.state.Latest.Tree()
	updates := make([]storage.IdentityUpdate, 0, len(entries))
	identities := make([]prover.Identity, 0, size)
	indices := make([]uint32, 0, size)
	consumed := make([]hash.Hash, 0, len(entries))

	for _, e := range entries {
		proof, err := working.Proof(e.LeafIndex)
		if err != nil {
			return err
		}
		pre := working.Root()
		next, err := working.Set(e.LeafIndex, hash.Zero)
		if err != nil {
			return err
		}
		preCopy := pre
		updates = append(updates, storage.IdentityUpdate{
			LeafIndex:  e.LeafIndex,
			Commitment: hash.Zero,
			PreRoot:    &preCopy,
			Root:       next.Root(),
		})
		identities = append(identities, prover.Identity{Commitment: e.Commitment, MerkleProof: proof})
		indices = append(indices, uint32(e.LeafIndex))
		consumed = append(consumed, e.Commitment)
		working = next
	}
	// Deletion circuits skip entries whose index is beyond the tree; pad
	// with those.
	for k := len(entries); k < size; k++ {
		identities = append(identities, prover.Identity{Commitment: hash.Zero, MerkleProof: zeroProof(f.cfg.TreeDepth)})
		indices = append(indices, uint32(1)<<uint(f.cfg.TreeDepth))
	}
	postRoot := working.Root()

	batch := storage.Batch{
		PrevRoot:    &preRoot,
		NextRoot:    postRoot,
		Kind:        storage.BatchDeletion,
		Commitments: consumed,
	}
	for _, upd := range updates {
		batch.LeafIndexes = append(batch.LeafIndexes, upd.LeafIndex)
	}

	input := &prover.Input{
		Kind:            prover.Deletion,
		PreRoot:         preRoot,
		PostRoot:        postRoot,
		DeletionIndices: indices,
		Identities:      identities,
	}
	return f.proveAndPersist(ctx, batch, input, updates, nil, consumed, size, now)
}

// proveAndPersist optimistically applies the updates to the latest layer,
// obtains the proof, persists the batch and reconciles the remaining
// layers. A proving or persistence failure releases the optimistic layer.
func (f *Former) proveAndPersist(ctx context.Context, batch storage.Batch, input *prover.Input,
	updates []storage.IdentityUpdate, consumedInsertions, consumedDeletions []hash.Hash, size int, now time.Time) error {

	if len(updates) == 0 {
		return nil
	}
	p := f.provers.Get(input.Kind, size)
	if p == nil {
		return fmt.Errorf("no %s prover for batch size %d", input.Kind, size)
	}

	if err := f.state.Latest.Apply(updates); err != nil {
		return err
	}
	rewind := func() {
		if err := f.state.Latest.RewindToRoot(*batch.PrevRoot); err != nil {
			klog.Errorf("Releasing optimistic tree layer: %v", err)
		}
	}

	proveStart := f.clk.Now()
	proof, err := p.Prove(ctx, input)
	if err != nil {
		rewind()
		return fmt.Errorf("proving %s batch %s -> %s: %w", input.Kind, input.PreRoot, input.PostRoot, err)
	}
	metrics.ProverSeconds.WithLabelValues(string(input.Kind)).Observe(clock.SecondsSince(f.clk, proveStart))
	batch.Proof = proof

	pb := &storage.PendingBatch{
		Batch:              batch,
		Updates:            updates,
		ConsumedInsertions: consumedInsertions,
		ConsumedDeletions:  consumedDeletions,
		FormedAt:           now,
	}
	if err := f.store.PersistBatch(ctx, pb); err != nil {
		rewind()
		return fmt.Errorf("persisting %s batch %s -> %s: %w", batch.Kind, input.PreRoot, input.PostRoot, err)
	}

	if err := f.state.CommitBatch(updates); err != nil {
		return err
	}

	metrics.BatchesFormed.WithLabelValues(string(batch.Kind)).Inc()
	metrics.BatchCommitments.WithLabelValues(string(batch.Kind)).Observe(float64(len(updates)))
	klog.Infof("Formed %s batch of %d (circuit size %d): %s -> %s",
		batch.Kind, len(updates), size, input.PreRoot, input.PostRoot)
	return nil
}

// zeroProof is the all-zero witness attached to deletion padding entries.
func zeroProof(depth int) merkle.Proof {
	return make(merkle.Proof, depth)
}
