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

package identitytree

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/merkle"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/storage/memory"
)

const testDepth = 10

func commitment(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(i))
}

// buildUpdates computes a chained update sequence from a fresh tree.
func buildUpdates(t *testing.T, commitments ...hash.Hash) []storage.IdentityUpdate {
	t.Helper()
	tree, err := merkle.NewTree(testDepth)
	require.NoError(t, err)

	updates := make([]storage.IdentityUpdate, 0, len(commitments))
	for i, c := range commitments {
		pre := tree.Root()
		next, err := tree.Set(uint64(i), c)
		require.NoError(t, err)
		preCopy := pre
		updates = append(updates, storage.IdentityUpdate{
			LeafIndex:  uint64(i),
			Commitment: c,
			PreRoot:    &preCopy,
			Root:       next.Root(),
		})
		tree = next
	}
	return updates
}

func TestApplyVerifiesRoots(t *testing.T) {
	tree, err := merkle.NewTree(testDepth)
	require.NoError(t, err)
	v := NewVersion("test", tree)

	updates := buildUpdates(t, commitment(1), commitment(2))
	require.NoError(t, v.Apply(updates))
	require.Equal(t, updates[1].Root, v.Root())

	// A fabricated post root is rejected without mutating the version.
	bad := storage.IdentityUpdate{LeafIndex: 2, Commitment: commitment(3), Root: commitment(999)}
	preCopy := v.Root()
	bad.PreRoot = &preCopy
	err = v.Apply([]storage.IdentityUpdate{bad})
	require.True(t, storage.IsInvariantViolation(err))
	require.Equal(t, updates[1].Root, v.Root())

	// A mismatched pre root is rejected too.
	wrongPre := commitment(12345)
	bad2 := storage.IdentityUpdate{LeafIndex: 2, Commitment: commitment(3), PreRoot: &wrongPre, Root: commitment(1)}
	err = v.Apply([]storage.IdentityUpdate{bad2})
	require.True(t, storage.IsInvariantViolation(err))
}

func TestRewindToRoot(t *testing.T) {
	tree, err := merkle.NewTree(testDepth)
	require.NoError(t, err)
	emptyRoot := tree.Root()
	v := NewVersion("test", tree)

	updates := buildUpdates(t, commitment(1), commitment(2), commitment(3))
	require.NoError(t, v.Apply(updates[:1]))
	afterOne := v.Root()
	require.NoError(t, v.Apply(updates[1:]))

	require.NoError(t, v.RewindToRoot(afterOne))
	require.Equal(t, afterOne, v.Root())

	require.NoError(t, v.RewindToRoot(emptyRoot))
	require.Equal(t, emptyRoot, v.Root())

	// Unknown root cannot be rewound to.
	require.Error(t, v.RewindToRoot(commitment(777)))

	// Rewind to the current root is a no-op.
	require.NoError(t, v.RewindToRoot(emptyRoot))
}

func TestInitializeReplaysLog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	updates := buildUpdates(t, commitment(10), commitment(11), commitment(12))
	for i, upd := range updates {
		u := upd
		if i == 0 {
			u.PreRoot = nil
		}
		require.NoError(t, store.AppendIdentity(ctx, u))
	}
	// Mine the first two rows.
	require.NoError(t, store.MarkMinedUpTo(ctx, updates[1].Root, time.Now()))

	state, err := Initialize(ctx, store, testDepth)
	require.NoError(t, err)

	require.Equal(t, updates[2].Root, state.Processed.Root())
	require.Equal(t, updates[2].Root, state.Batching.Root())
	require.Equal(t, updates[2].Root, state.Latest.Root())
	require.Equal(t, updates[1].Root, state.Mined.Root())

	leaf, err := state.Processed.Leaf(1)
	require.NoError(t, err)
	require.Equal(t, commitment(11), leaf)

	proof, root, err := state.Processed.Proof(2)
	require.NoError(t, err)
	require.Equal(t, state.Processed.Root(), root)
	require.True(t, proof.Verify(root, commitment(12)))
}

func TestInitializeEmptyLog(t *testing.T) {
	state, err := Initialize(context.Background(), memory.New(), testDepth)
	require.NoError(t, err)

	tree, err := merkle.NewTree(testDepth)
	require.NoError(t, err)
	require.Equal(t, tree.Root(), state.Processed.Root())
	require.Equal(t, tree.Root(), state.Mined.Root())
}

func TestCommitBatchKeepsLayersAligned(t *testing.T) {
	ctx := context.Background()
	state, err := Initialize(ctx, memory.New(), testDepth)
	require.NoError(t, err)

	updates := buildUpdates(t, commitment(1), commitment(2))

	// The former optimistically applies to latest first.
	require.NoError(t, state.Latest.Apply(updates))
	require.NotEqual(t, state.Latest.Root(), state.Batching.Root())

	require.NoError(t, state.CommitBatch(updates))
	require.Equal(t, state.Latest.Root(), state.Batching.Root())
	require.Equal(t, state.Latest.Root(), state.Processed.Root())
	require.NotEqual(t, state.Latest.Root(), state.Mined.Root())
}
