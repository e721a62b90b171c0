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

package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/storage"
)

const selectBatchSQL = `
	SELECT id, next_root, prev_root, batch_kind, commitments, leaf_indexes, start_index, proof, created_at
	FROM batches`

func scanBatch(row pgx.Row) (*storage.Batch, error) {
	var (
		b           storage.Batch
		prevRoot    []byte
		kind        string
		commitments [][]byte
		leafIndexes []int64
		startIndex  int64
		proofJSON   []byte
	)
	err := row.Scan(&b.ID, &b.NextRoot, &prevRoot, &kind, &commitments, &leafIndexes, &startIndex, &proofJSON, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if prevRoot != nil {
		pr, err := hash.FromBytes(prevRoot)
		if err != nil {
			return nil, err
		}
		b.PrevRoot = &pr
	}
	b.Kind = storage.BatchKind(kind)
	b.StartIndex = uint64(startIndex)
	b.Commitments = make([]hash.Hash, len(commitments))
	for i, c := range commitments {
		parsed, err := hash.FromBytes(c)
		if err != nil {
			return nil, err
		}
		b.Commitments[i] = parsed
	}
	b.LeafIndexes = make([]uint64, len(leafIndexes))
	for i, idx := range leafIndexes {
		b.LeafIndexes[i] = uint64(idx)
	}
	if proofJSON != nil {
		if err := json.Unmarshal(proofJSON, &b.Proof); err != nil {
			return nil, fmt.Errorf("decoding batch proof: %w", err)
		}
	}
	return &b, nil
}

func batchArgs(b *storage.Batch) ([][]byte, []int64, []byte, error) {
	commitments := make([][]byte, len(b.Commitments))
	for i, c := range b.Commitments {
		commitments[i] = c.Bytes()
	}
	leafIndexes := make([]int64, len(b.LeafIndexes))
	for i, idx := range b.LeafIndexes {
		leafIndexes[i] = int64(idx)
	}
	var proofJSON []byte
	if b.Proof[0] != nil {
		var err error
		proofJSON, err = json.Marshal(b.Proof)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encoding batch proof: %w", err)
		}
	}
	return commitments, leafIndexes, proofJSON, nil
}

// PersistBatch implements storage.Store. The log rows, the batch row, the
// queue trims and the timeout singleton land in one transaction; the
// pre-root chain trigger and the batch-chain constraints hold across it.
func (s *Store) PersistBatch(ctx context.Context, pb *storage.PendingBatch) error {
	commitments, leafIndexes, proofJSON, err := batchArgs(&pb.Batch)
	if err != nil {
		return err
	}
	if pb.Batch.PrevRoot == nil {
		return &storage.InvariantError{Msg: "batch must link to a previous root"}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, upd := range pb.Updates {
			var preRoot any
			if upd.PreRoot != nil {
				preRoot = *upd.PreRoot
			}
			if _, err := tx.Exec(ctx, insertIdentitySQL,
				int64(upd.LeafIndex), upd.Commitment, upd.Root, preRoot, pb.FormedAt); err != nil {
				return mapError(err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (next_root, prev_root, batch_kind, commitments, leaf_indexes, start_index, proof, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			pb.Batch.NextRoot, *pb.Batch.PrevRoot, string(pb.Batch.Kind),
			commitments, leafIndexes, int64(pb.Batch.StartIndex), proofJSON, pb.FormedAt); err != nil {
			return mapError(err)
		}

		if len(pb.ConsumedInsertions) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM unprocessed_identities WHERE commitment = ANY($1)`,
				hashesToBytes(pb.ConsumedInsertions)); err != nil {
				return err
			}
		}
		if len(pb.ConsumedDeletions) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM deletions WHERE commitment = ANY($1)`,
				hashesToBytes(pb.ConsumedDeletions)); err != nil {
				return err
			}
		}

		if pb.Batch.Kind == storage.BatchInsertion {
			return updateLatestInsertionTime(ctx, tx, pb.FormedAt)
		}
		return updateLatestDeletionTimeTx(ctx, tx, pb.FormedAt)
	})
}

func hashesToBytes(hashes []hash.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

// EnsureGenesisBatch implements storage.Store.
func (s *Store) EnsureGenesisBatch(ctx context.Context, root hash.Hash) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (next_root, prev_root, batch_kind, commitments, leaf_indexes)
		SELECT $1, NULL, 'insertion', '{}'::BYTEA[], '{}'::BIGINT[]
		WHERE NOT EXISTS (SELECT 1 FROM batches WHERE prev_root IS NULL)`, root)
	return mapError(err)
}

// BatchHead implements storage.Store.
func (s *Store) BatchHead(ctx context.Context) (*storage.Batch, error) {
	return scanBatch(s.pool.QueryRow(ctx, selectBatchSQL+` WHERE prev_root IS NULL LIMIT 1`))
}

// LatestBatch implements storage.Store.
func (s *Store) LatestBatch(ctx context.Context) (*storage.Batch, error) {
	return scanBatch(s.pool.QueryRow(ctx, selectBatchSQL+` ORDER BY id DESC LIMIT 1`))
}

// BatchByNextRoot implements storage.Store.
func (s *Store) BatchByNextRoot(ctx context.Context, root hash.Hash) (*storage.Batch, error) {
	return scanBatch(s.pool.QueryRow(ctx, selectBatchSQL+` WHERE next_root = $1`, root))
}

// NextUnsubmittedBatch implements storage.Store.
func (s *Store) NextUnsubmittedBatch(ctx context.Context) (*storage.Batch, error) {
	return scanBatch(s.pool.QueryRow(ctx, `
		SELECT b.id, b.next_root, b.prev_root, b.batch_kind, b.commitments, b.leaf_indexes, b.start_index, b.proof, b.created_at
		FROM batches b
		LEFT JOIN transactions t ON b.next_root = t.batch_next_root
		WHERE t.batch_next_root IS NULL AND b.prev_root IS NOT NULL
		ORDER BY b.id ASC
		LIMIT 1`))
}

// RecordTransaction implements storage.Store.
func (s *Store) RecordTransaction(ctx context.Context, nextRoot hash.Hash, transactionID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (transaction_id, batch_next_root, created_at)
		VALUES ($1, $2, $3)`, transactionID, nextRoot, now)
	return mapError(err)
}

// Transactions implements storage.Store.
func (s *Store) Transactions(ctx context.Context, onlyUnmined bool) ([]storage.TransactionEntry, error) {
	query := `
		SELECT t.transaction_id, t.batch_next_root, t.created_at, t.mined_at
		FROM transactions t
		JOIN batches b ON b.next_root = t.batch_next_root`
	if onlyUnmined {
		query += ` WHERE t.mined_at IS NULL`
	}
	query += ` ORDER BY b.id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TransactionEntry
	for rows.Next() {
		var e storage.TransactionEntry
		if err := rows.Scan(&e.TransactionID, &e.BatchNextRoot, &e.CreatedAt, &e.MinedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkTransactionMined implements storage.Store.
func (s *Store) MarkTransactionMined(ctx context.Context, transactionID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET mined_at = $2 WHERE transaction_id = $1`, transactionID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteTransaction implements storage.Store.
func (s *Store) DeleteTransaction(ctx context.Context, transactionID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transactions WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PruneBatchesUpTo implements storage.Store. The chain prefix before the
// frontier batch is deleted with the chain FK deferred, then the frontier
// becomes the new genesis anchor. Transactions of pruned batches cascade
// away.
func (s *Store) PruneBatchesUpTo(ctx context.Context, root hash.Hash) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `SELECT id FROM batches WHERE next_root = $1`, root).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS batches_prev_root_fkey DEFERRED`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM batches WHERE id < $1`, id); err != nil {
			return mapError(err)
		}
		_, err = tx.Exec(ctx, `UPDATE batches SET prev_root = NULL WHERE id = $1`, id)
		return mapError(err)
	})
}
