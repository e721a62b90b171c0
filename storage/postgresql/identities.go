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
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/storage"
)

const (
	selectIdentitySQL = `
		SELECT id, leaf_index, commitment, root, pre_root, status, pending_as_of, mined_at
		FROM identities`

	insertIdentitySQL = `
		INSERT INTO identities (leaf_index, commitment, root, pre_root, status, pending_as_of)
		VALUES ($1, $2, $3, $4, 'processed', $5)`

	latestRowForCommitmentSQL = selectIdentitySQL + `
		WHERE commitment = $1
		ORDER BY id DESC
		LIMIT 1`

	deletionAfterSQL = `
		SELECT EXISTS (
			SELECT 1 FROM identities
			WHERE commitment = ` + zeroCommitment + ` AND leaf_index = $1 AND id > $2
		)`
)

func scanIdentity(row pgx.Row) (*storage.IdentityRecord, error) {
	var (
		rec     storage.IdentityRecord
		preRoot []byte
		status  string
	)
	err := row.Scan(&rec.ID, &rec.LeafIndex, &rec.Commitment, &rec.Root, &preRoot, &status, &rec.PendingAsOf, &rec.MinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if preRoot != nil {
		pr, err := hash.FromBytes(preRoot)
		if err != nil {
			return nil, err
		}
		rec.PreRoot = &pr
	}
	rec.Status = storage.Status(status)
	return &rec, nil
}

// EnqueueInsertion implements storage.Store.
func (s *Store) EnqueueInsertion(ctx context.Context, commitment hash.Hash, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := scanIdentity(tx.QueryRow(ctx, latestRowForCommitmentSQL, commitment))
		switch {
		case err == nil:
			var deleted bool
			if err := tx.QueryRow(ctx, deletionAfterSQL, int64(rec.LeafIndex), rec.ID).Scan(&deleted); err != nil {
				return err
			}
			if deleted {
				return storage.ErrPreviouslyDeleted
			}
			return storage.ErrDuplicateCommitment
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO unprocessed_identities (commitment, created_at)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, commitment, now)
		if err != nil {
			return mapError(err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrDuplicateCommitment
		}
		return nil
	})
}

// EnqueueDeletion implements storage.Store.
func (s *Store) EnqueueDeletion(ctx context.Context, commitment hash.Hash, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var queued bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM deletions WHERE commitment = $1)`, commitment).Scan(&queued); err != nil {
			return err
		}
		if queued {
			return storage.ErrAlreadyDeleted
		}

		var unprocessed bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM unprocessed_identities WHERE commitment = $1)`, commitment).Scan(&unprocessed); err != nil {
			return err
		}
		if unprocessed {
			return storage.ErrNotYetProcessed
		}

		rec, err := scanIdentity(tx.QueryRow(ctx, latestRowForCommitmentSQL, commitment))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrUnknownCommitment
			}
			return err
		}
		var deleted bool
		if err := tx.QueryRow(ctx, deletionAfterSQL, int64(rec.LeafIndex), rec.ID).Scan(&deleted); err != nil {
			return err
		}
		if deleted {
			return storage.ErrAlreadyDeleted
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO deletions (commitment, leaf_index, created_at)
			VALUES ($1, $2, $3)`, commitment, int64(rec.LeafIndex), now)
		return mapError(err)
	})
}

// UnprocessedCandidates implements storage.Store.
func (s *Store) UnprocessedCandidates(ctx context.Context, limit int) ([]storage.UnprocessedEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT commitment, created_at
		FROM unprocessed_identities
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.UnprocessedEntry
	for rows.Next() {
		var e storage.UnprocessedEntry
		if err := rows.Scan(&e.Commitment, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeletionCandidates implements storage.Store.
func (s *Store) DeletionCandidates(ctx context.Context, limit int) ([]storage.DeletionEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT commitment, leaf_index, created_at
		FROM deletions
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DeletionEntry
	for rows.Next() {
		var (
			e         storage.DeletionEntry
			leafIndex int64
		)
		if err := rows.Scan(&e.Commitment, &leafIndex, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.LeafIndex = uint64(leafIndex)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountUnprocessed implements storage.Store.
func (s *Store) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM unprocessed_identities`).Scan(&n)
	return n, err
}

// InUnprocessedQueue implements storage.Store.
func (s *Store) InUnprocessedQueue(ctx context.Context, commitment hash.Hash) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM unprocessed_identities WHERE commitment = $1)`, commitment).Scan(&exists)
	return exists, err
}

// AppendIdentity implements storage.Store.
func (s *Store) AppendIdentity(ctx context.Context, upd storage.IdentityUpdate) error {
	var preRoot any
	if upd.PreRoot != nil {
		preRoot = *upd.PreRoot
	}
	_, err := s.pool.Exec(ctx, insertIdentitySQL,
		int64(upd.LeafIndex), upd.Commitment, upd.Root, preRoot, time.Now().UTC())
	return mapError(err)
}

// IdentityByCommitment implements storage.Store.
func (s *Store) IdentityByCommitment(ctx context.Context, commitment hash.Hash) (*storage.IdentityRecord, error) {
	return scanIdentity(s.pool.QueryRow(ctx, latestRowForCommitmentSQL, commitment))
}

// IdentitiesSince implements storage.Store.
func (s *Store) IdentitiesSince(ctx context.Context, afterID int64, limit int) ([]storage.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, selectIdentitySQL+`
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// NextLeafIndex implements storage.Store.
func (s *Store) NextLeafIndex(ctx context.Context) (uint64, error) {
	var max *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(leaf_index) FROM identities`).Scan(&max); err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return uint64(*max) + 1, nil
}

// LatestRoot implements storage.Store.
func (s *Store) LatestRoot(ctx context.Context, onlyMined bool) (hash.Hash, error) {
	query := `SELECT root FROM identities ORDER BY id DESC LIMIT 1`
	if onlyMined {
		query = `SELECT root FROM identities WHERE status = 'mined' ORDER BY id DESC LIMIT 1`
	}
	var root hash.Hash
	if err := s.pool.QueryRow(ctx, query).Scan(&root); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return hash.Zero, storage.ErrNotFound
		}
		return hash.Zero, err
	}
	return root, nil
}

func rootItemFrom(rec *storage.IdentityRecord) *storage.RootItem {
	item := &storage.RootItem{
		Root:             rec.Root,
		Status:           storage.RootPending,
		PendingValidAsOf: rec.PendingAsOf,
	}
	if rec.Status == storage.StatusMined {
		item.Status = storage.RootMined
		item.MinedValidAsOf = rec.MinedAt
	}
	return item
}

// RootState implements storage.Store.
func (s *Store) RootState(ctx context.Context, root hash.Hash) (*storage.RootItem, error) {
	rec, err := scanIdentity(s.pool.QueryRow(ctx, selectIdentitySQL+`
		WHERE root = $1
		ORDER BY id ASC
		LIMIT 1`, root))
	if err != nil {
		return nil, err
	}
	return rootItemFrom(rec), nil
}

// RootsSince implements storage.Store.
func (s *Store) RootsSince(ctx context.Context, cutoff time.Time) ([]storage.RootItem, error) {
	rows, err := s.pool.Query(ctx, selectIdentitySQL+`
		WHERE pending_as_of >= $1
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RootItem
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rootItemFrom(rec))
	}
	return out, rows.Err()
}

func (s *Store) rowIDForRoot(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, root hash.Hash) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM identities WHERE root = $1 ORDER BY id ASC LIMIT 1`, root).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	return id, err
}

// MarkMinedUpTo implements storage.Store.
func (s *Store) MarkMinedUpTo(ctx context.Context, root hash.Hash, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id, err := s.rowIDForRoot(ctx, tx, root)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE identities
			SET status = 'mined', mined_at = $2
			WHERE id <= $1 AND status != 'mined'`, id, now)
		return err
	})
}

// MarkUnminedAfter implements storage.Store.
func (s *Store) MarkUnminedAfter(ctx context.Context, root hash.Hash) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		id, err := s.rowIDForRoot(ctx, tx, root)
		if errors.Is(err, storage.ErrNotFound) {
			// An unknown root predates the log; revert every row.
			id = 0
		} else if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE identities
			SET status = 'processed', mined_at = NULL
			WHERE id > $1`, id)
		return err
	})
}

// LatestInsertionTime implements storage.Store.
func (s *Store) LatestInsertionTime(ctx context.Context, fallback time.Time) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT insertion_timestamp FROM latest_insertion_timestamp WHERE Lock = 'X'`).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	return t, err
}

// LatestDeletionTime implements storage.Store.
func (s *Store) LatestDeletionTime(ctx context.Context, fallback time.Time) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT deletion_timestamp FROM latest_deletion_root WHERE Lock = 'X'`).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	return t, err
}

// UpdateLatestDeletionTime implements storage.Store.
func (s *Store) UpdateLatestDeletionTime(ctx context.Context, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO latest_deletion_root (Lock, deletion_timestamp)
		VALUES ('X', $1)
		ON CONFLICT (Lock) DO UPDATE SET deletion_timestamp = EXCLUDED.deletion_timestamp`, t)
	return err
}

// updateLatestInsertionTime is performed inside PersistBatch's
// transaction for insertion batches.
func updateLatestInsertionTime(ctx context.Context, tx pgx.Tx, t time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO latest_insertion_timestamp (Lock, insertion_timestamp)
		VALUES ('X', $1)
		ON CONFLICT (Lock) DO UPDATE SET insertion_timestamp = EXCLUDED.insertion_timestamp`, t)
	return err
}

func updateLatestDeletionTimeTx(ctx context.Context, tx pgx.Tx, t time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO latest_deletion_root (Lock, deletion_timestamp)
		VALUES ('X', $1)
		ON CONFLICT (Lock) DO UPDATE SET deletion_timestamp = EXCLUDED.deletion_timestamp`, t)
	return err
}
