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

package storage

import (
	"time"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/prover"
)

// Status of a row in the identities log. A row is Processed once it is
// part of a formed batch and Mined once the batch's transaction is
// confirmed on chain.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusMined     Status = "mined"
)

// RootStatus labels a root in the query window. A root is Pending until
// the log row that produced it is mined.
type RootStatus string

const (
	RootPending RootStatus = "pending"
	RootMined   RootStatus = "mined"
)

// BatchKind distinguishes insertion batches (zero leaves replaced by
// commitments) from deletion batches (commitments replaced by zero).
type BatchKind string

const (
	BatchInsertion BatchKind = "insertion"
	BatchDeletion  BatchKind = "deletion"
)

// IdentityRecord is one row of the append-only identities log, the ground
// truth of tree history.
type IdentityRecord struct {
	ID         int64
	LeafIndex  uint64
	Commitment hash.Hash
	Root       hash.Hash
	// PreRoot is nil only for the first row of the log.
	PreRoot     *hash.Hash
	Status      Status
	PendingAsOf time.Time
	MinedAt     *time.Time
}

// IdentityUpdate is the input form of a log row: the tree mutation at
// LeafIndex taking the tree from PreRoot to Root.
type IdentityUpdate struct {
	LeafIndex  uint64
	Commitment hash.Hash
	PreRoot    *hash.Hash
	Root       hash.Hash
}

// UnprocessedEntry is a queued insertion not yet placed in the tree.
// CreatedAt doubles as the eligibility timestamp.
type UnprocessedEntry struct {
	Commitment hash.Hash
	CreatedAt  time.Time
}

// DeletionEntry is a queued deletion, resolved to the leaf it zeroes.
type DeletionEntry struct {
	Commitment hash.Hash
	LeafIndex  uint64
	CreatedAt  time.Time
}

// Batch is a persisted prover batch. PrevRoot is nil only for the genesis
// chain anchor, which carries no commitments.
type Batch struct {
	ID          int64
	PrevRoot    *hash.Hash
	NextRoot    hash.Hash
	Kind        BatchKind
	Commitments []hash.Hash
	LeafIndexes []uint64
	StartIndex  uint64
	Proof       prover.Proof
	CreatedAt   time.Time
}

// TransactionEntry records the relayer transaction carrying a batch.
type TransactionEntry struct {
	TransactionID string
	BatchNextRoot hash.Hash
	CreatedAt     time.Time
	MinedAt       *time.Time
}

// RootItem describes one root in the bounded query window.
type RootItem struct {
	Root             hash.Hash
	Status           RootStatus
	PendingValidAsOf time.Time
	MinedValidAsOf   *time.Time
}

// PendingBatch is the unit the batch former persists: the batch row, its
// log rows and the intake-queue entries it consumes, applied in a single
// transaction.
type PendingBatch struct {
	Batch   Batch
	Updates []IdentityUpdate
	// ConsumedInsertions and ConsumedDeletions are removed from their
	// queues in the same transaction.
	ConsumedInsertions []hash.Hash
	ConsumedDeletions  []hash.Hash
	// FormedAt resets the relevant batch-timeout singleton.
	FormedAt time.Time
}
