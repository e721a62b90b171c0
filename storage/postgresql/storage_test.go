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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/storage/storagetest"
)

// testDSNEnv names the environment variable carrying the DSN of a
// disposable test database. Tests are skipped when it is unset.
const testDSNEnv = "SEQUENCER_TEST_PG_DSN"

func newTestStore(t *testing.T) storage.Store {
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("skipping: %s not set", testDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, true)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	// Each subtest starts from an empty schema.
	for _, table := range []string{"transactions", "batches", "identities", "unprocessed_identities", "deletions", "latest_insertion_timestamp", "latest_deletion_root"} {
		_, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", table))
		require.NoError(t, err)
	}
	return s
}

func TestStoreConformance(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}
