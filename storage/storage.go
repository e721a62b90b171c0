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

// Package storage defines the durable store contract for the sequencer
// pipeline: the intake queues, the append-only identities log, the batch
// chain and its transactions. Implementations live in sub-packages;
// storage/postgresql is the production backend, storage/memory backs
// tests and dev mode.
package storage

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/hash"
)

// Store is the durable state of the pipeline. All mutating operations are
// atomic; every implementation enforces the pre-root chain invariant on
// log appends and the linear-chain constraints on batches.
type Store interface {
	// EnqueueInsertion queues a commitment for insertion. It returns
	// ErrDuplicateCommitment if the commitment is queued or in the log,
	// and ErrPreviouslyDeleted if the log records its deletion.
	EnqueueInsertion(ctx context.Context, commitment hash.Hash, now time.Time) error

	// EnqueueDeletion queues a deletion for a processed commitment. It
	// returns ErrUnknownCommitment, ErrNotYetProcessed or
	// ErrAlreadyDeleted for the corresponding intake outcomes.
	EnqueueDeletion(ctx context.Context, commitment hash.Hash, now time.Time) error

	// UnprocessedCandidates returns queued insertions in FIFO order by
	// CreatedAt, at most limit entries.
	UnprocessedCandidates(ctx context.Context, limit int) ([]UnprocessedEntry, error)

	// DeletionCandidates returns queued deletions with their resolved
	// leaf indexes, FIFO, at most limit entries.
	DeletionCandidates(ctx context.Context, limit int) ([]DeletionEntry, error)

	// CountUnprocessed returns the insertion queue length.
	CountUnprocessed(ctx context.Context) (int, error)

	// InUnprocessedQueue reports whether the commitment is queued for
	// insertion but not yet in the log.
	InUnprocessedQueue(ctx context.Context, commitment hash.Hash) (bool, error)

	// AppendIdentity appends one row to the identities log. The append
	// fails with an InvariantError unless upd.PreRoot matches the root of
	// the last row (or the log is empty and upd.PreRoot is nil).
	AppendIdentity(ctx context.Context, upd IdentityUpdate) error

	// IdentityByCommitment returns the latest log row for the commitment,
	// or ErrNotFound.
	IdentityByCommitment(ctx context.Context, commitment hash.Hash) (*IdentityRecord, error)

	// IdentitiesSince streams the log in id order, rows with id > afterID,
	// at most limit. Used for startup replay and snapshot advancement.
	IdentitiesSince(ctx context.Context, afterID int64, limit int) ([]IdentityRecord, error)

	// NextLeafIndex returns 1 + the highest leaf index ever assigned, or 0
	// for an empty log. Deleted slots are never reused.
	NextLeafIndex(ctx context.Context) (uint64, error)

	// LatestRoot returns the root of the newest log row, restricted to
	// mined rows when onlyMined is set. ErrNotFound on an empty log.
	LatestRoot(ctx context.Context, onlyMined bool) (hash.Hash, error)

	// RootState looks up a root in the query window.
	RootState(ctx context.Context, root hash.Hash) (*RootItem, error)

	// RootsSince lists roots of log rows created at or after cutoff.
	RootsSince(ctx context.Context, cutoff time.Time) ([]RootItem, error)

	// MarkMinedUpTo marks every log row up to and including the row that
	// produced root as mined at time now.
	MarkMinedUpTo(ctx context.Context, root hash.Hash, now time.Time) error

	// MarkUnminedAfter reverts mined status on rows after the row that
	// produced root. A root that predates the log (the pre root of the
	// first batch) reverts every row. Used on reorg.
	MarkUnminedAfter(ctx context.Context, root hash.Hash) error

	// PersistBatch atomically appends the batch's log rows, inserts the
	// batch row, trims the consumed queue entries and resets the batch
	// timeout singleton.
	PersistBatch(ctx context.Context, pb *PendingBatch) error

	// EnsureGenesisBatch anchors the batch chain with a NULL-prev row for
	// root if no head exists yet.
	EnsureGenesisBatch(ctx context.Context, root hash.Hash) error

	// BatchHead returns the chain anchor (NULL prev_root), or ErrNotFound.
	BatchHead(ctx context.Context) (*Batch, error)

	// LatestBatch returns the newest batch row, or ErrNotFound.
	LatestBatch(ctx context.Context) (*Batch, error)

	// BatchByNextRoot returns the batch producing root, or ErrNotFound.
	BatchByNextRoot(ctx context.Context, root hash.Hash) (*Batch, error)

	// NextUnsubmittedBatch returns the oldest batch without a transaction
	// row, or ErrNotFound. Chain linearity makes it unique.
	NextUnsubmittedBatch(ctx context.Context) (*Batch, error)

	// RecordTransaction persists (nextRoot, transactionID); a second
	// submission for the same batch fails with ErrAlreadySubmitted on
	// the unique next_root key.
	RecordTransaction(ctx context.Context, nextRoot hash.Hash, transactionID string, now time.Time) error

	// Transactions lists transactions in chain order; onlyUnmined
	// restricts to those without a mined timestamp.
	Transactions(ctx context.Context, onlyUnmined bool) ([]TransactionEntry, error)

	// MarkTransactionMined stamps the transaction as mined.
	MarkTransactionMined(ctx context.Context, transactionID string, now time.Time) error

	// DeleteTransaction removes a transaction row so its batch is
	// re-picked by the submitter. Used on reorg.
	DeleteTransaction(ctx context.Context, transactionID string) error

	// PruneBatchesUpTo deletes the chain links before the batch whose
	// next_root is root and re-anchors the chain at that batch, which is
	// kept with a NULL prev_root.
	PruneBatchesUpTo(ctx context.Context, root hash.Hash) error

	// LatestInsertionTime and LatestDeletionTime read the singleton
	// batch-timeout gates; fallback is the supplied default when unset.
	LatestInsertionTime(ctx context.Context, fallback time.Time) (time.Time, error)
	LatestDeletionTime(ctx context.Context, fallback time.Time) (time.Time, error)

	// UpdateLatestDeletionTime resets the deletion timeout gate.
	UpdateLatestDeletionTime(ctx context.Context, t time.Time) error

	// AcquireLeaderLock takes the batch-former leader lock, returning a
	// release function, or ErrLeaderLockHeld.
	AcquireLeaderLock(ctx context.Context) (func(), error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close()
}
