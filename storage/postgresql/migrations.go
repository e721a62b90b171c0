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

// zeroCommitment is the BYTEA literal of the zero leaf, used by the
// partial unique indexes that distinguish insertions from deletions.
const zeroCommitment = `'\x0000000000000000000000000000000000000000000000000000000000000000'`

// migrations are applied in order; migration N+1 may assume N.
var migrations = []string{
	// 1: the identities log and the pre-root chain trigger.
	`
CREATE TABLE identities (
	id            BIGSERIAL PRIMARY KEY,
	leaf_index    BIGINT NOT NULL CHECK (leaf_index >= 0),
	commitment    BYTEA NOT NULL CHECK (octet_length(commitment) = 32),
	root          BYTEA NOT NULL CHECK (octet_length(root) = 32),
	pre_root      BYTEA CHECK (pre_root IS NULL OR octet_length(pre_root) = 32),
	status        TEXT NOT NULL DEFAULT 'processed' CHECK (status IN ('processed', 'mined')),
	pending_as_of TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	mined_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX identities_commitment_unique
	ON identities (commitment)
	WHERE commitment != ` + zeroCommitment + `;

CREATE UNIQUE INDEX identities_insertion_leaf_unique
	ON identities (leaf_index)
	WHERE commitment != ` + zeroCommitment + `;

CREATE UNIQUE INDEX identities_deletion_leaf_unique
	ON identities (leaf_index)
	WHERE commitment = ` + zeroCommitment + `;

CREATE UNIQUE INDEX identities_single_null_pre_root
	ON identities ((pre_root IS NULL))
	WHERE pre_root IS NULL;

CREATE INDEX identities_root ON identities (root);
CREATE INDEX identities_status ON identities (status);

CREATE FUNCTION validate_pre_root() RETURNS TRIGGER AS $$
DECLARE
	last_root BYTEA;
BEGIN
	SELECT root INTO last_root FROM identities ORDER BY id DESC LIMIT 1;
	IF last_root IS NULL THEN
		IF NEW.pre_root IS NOT NULL THEN
			RAISE EXCEPTION 'pre_root_chain: first row must have NULL pre_root';
		END IF;
		RETURN NEW;
	END IF;
	IF NEW.pre_root IS NULL OR NEW.pre_root != last_root THEN
		RAISE EXCEPTION 'pre_root_chain: pre_root does not extend the last root';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE TRIGGER pre_root_chain
	BEFORE INSERT ON identities
	FOR EACH ROW EXECUTE FUNCTION validate_pre_root();
`,

	// 2: intake queues.
	`
CREATE TABLE unprocessed_identities (
	commitment BYTEA PRIMARY KEY CHECK (octet_length(commitment) = 32),
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX unprocessed_identities_created_at ON unprocessed_identities (created_at);

CREATE TABLE deletions (
	commitment BYTEA PRIMARY KEY CHECK (octet_length(commitment) = 32),
	leaf_index BIGINT NOT NULL CHECK (leaf_index >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,

	// 3: the batch chain. prev_root -> next_root forms a linear chain:
	// next_root is the primary key, prev_root is UNIQUE and a foreign key
	// onto next_root, and the partial index admits exactly one NULL
	// prev_root (the genesis anchor). The FK is deferrable so pruning can
	// delete a chain prefix and re-anchor the frontier in one
	// transaction.
	`
CREATE TABLE batches (
	id           BIGSERIAL,
	next_root    BYTEA PRIMARY KEY CHECK (octet_length(next_root) = 32),
	prev_root    BYTEA UNIQUE REFERENCES batches (next_root) DEFERRABLE INITIALLY IMMEDIATE,
	batch_kind   TEXT NOT NULL CHECK (batch_kind IN ('insertion', 'deletion')),
	commitments  BYTEA[] NOT NULL,
	leaf_indexes BIGINT[] NOT NULL,
	start_index  BIGINT NOT NULL DEFAULT 0,
	proof        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	CHECK (cardinality(commitments) = cardinality(leaf_indexes))
);

CREATE UNIQUE INDEX batches_single_genesis
	ON batches ((prev_root IS NULL))
	WHERE prev_root IS NULL;
`,

	// 4: relayer transactions, one per batch.
	`
CREATE TABLE transactions (
	transaction_id  TEXT PRIMARY KEY,
	batch_next_root BYTEA NOT NULL UNIQUE REFERENCES batches (next_root) ON DELETE CASCADE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	mined_at        TIMESTAMPTZ
);
`,

	// 5: singleton batch-timeout gates. The Lock check pins each table to
	// a single row.
	`
CREATE TABLE latest_insertion_timestamp (
	Lock                CHAR(1) NOT NULL PRIMARY KEY DEFAULT 'X' CHECK (Lock = 'X'),
	insertion_timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE latest_deletion_root (
	Lock               CHAR(1) NOT NULL PRIMARY KEY DEFAULT 'X' CHECK (Lock = 'X'),
	deletion_timestamp TIMESTAMPTZ NOT NULL
);
`,
}
