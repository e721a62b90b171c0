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
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/worldcoin/signup-sequencer/storage"
)

// preRootChainTag is the prefix raised by the validate_pre_root trigger.
const preRootChainTag = "pre_root_chain:"

// mapError converts low-level pgx errors into the typed storage errors.
// A raised pre-root chain violation or a unique-index breach on the
// identities log means the pipeline computed inconsistent state, which is
// fatal.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgerrcode.RaiseException && strings.Contains(pgErr.Message, preRootChainTag):
		return &storage.InvariantError{Msg: "pre-root chain break", Err: err}
	case pgErr.Code == pgerrcode.UniqueViolation && strings.HasPrefix(pgErr.ConstraintName, "identities_"):
		return &storage.InvariantError{Msg: "identities uniqueness violation", Err: err}
	case pgErr.Code == pgerrcode.UniqueViolation && strings.HasPrefix(pgErr.ConstraintName, "batches_"):
		return &storage.InvariantError{Msg: "batch chain violation", Err: err}
	case pgErr.Code == pgerrcode.UniqueViolation && strings.HasPrefix(pgErr.ConstraintName, "transactions_"):
		return storage.ErrAlreadySubmitted
	case pgErr.Code == pgerrcode.UniqueViolation:
		return storage.ErrDuplicateCommitment
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return storage.ErrNotFound
	}
	return err
}
