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

package merkle

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
)

const testDepth = 10

func leafValue(i int64) hash.Hash {
	return hash.FromBig(big.NewInt(i))
}

func TestEmptyTreeRoots(t *testing.T) {
	a, err := NewTree(testDepth)
	require.NoError(t, err)
	b, err := NewTree(testDepth)
	require.NoError(t, err)
	require.Equal(t, a.Root(), b.Root())

	c, err := NewTree(testDepth + 1)
	require.NoError(t, err)
	require.NotEqual(t, a.Root(), c.Root())
}

func TestNewTreeDepthBounds(t *testing.T) {
	_, err := NewTree(0)
	require.Error(t, err)
	_, err = NewTree(MaxDepth + 1)
	require.Error(t, err)
}

func TestSetGet(t *testing.T) {
	tree, err := NewTree(testDepth)
	require.NoError(t, err)

	for i := uint64(0); i < 8; i++ {
		tree, err = tree.Set(i, leafValue(int64(i+100)))
		require.NoError(t, err)
	}

	for i := uint64(0); i < 8; i++ {
		got, err := tree.Get(i)
		require.NoError(t, err)
		require.Equal(t, leafValue(int64(i+100)), got)
	}

	// Untouched leaves read as zero.
	got, err := tree.Get(999)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestSetIsPersistent(t *testing.T) {
	base, err := NewTree(testDepth)
	require.NoError(t, err)
	baseRoot := base.Root()

	updated, err := base.Set(3, leafValue(7))
	require.NoError(t, err)

	require.Equal(t, baseRoot, base.Root())
	require.NotEqual(t, baseRoot, updated.Root())

	old, err := base.Get(3)
	require.NoError(t, err)
	require.True(t, old.IsZero())
}

func TestSetBackToZeroRestoresRoot(t *testing.T) {
	tree, err := NewTree(testDepth)
	require.NoError(t, err)
	emptyRoot := tree.Root()

	tree, err = tree.Set(5, leafValue(42))
	require.NoError(t, err)
	require.NotEqual(t, emptyRoot, tree.Root())

	tree, err = tree.Set(5, hash.Zero)
	require.NoError(t, err)
	require.Equal(t, emptyRoot, tree.Root())
}

func TestIndexOutOfRange(t *testing.T) {
	tree, err := NewTree(3)
	require.NoError(t, err)

	_, err = tree.Set(8, leafValue(1))
	require.Error(t, err)
	_, err = tree.Get(8)
	require.Error(t, err)
	_, err = tree.Proof(8)
	require.Error(t, err)
}

func TestProofVerifies(t *testing.T) {
	tree, err := NewTree(testDepth)
	require.NoError(t, err)

	indexes := []uint64{0, 1, 2, 5, 31, 512, 1023}
	for _, i := range indexes {
		tree, err = tree.Set(i, leafValue(int64(i)+1))
		require.NoError(t, err)
	}
	root := tree.Root()

	for _, i := range indexes {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.Len(t, proof, testDepth)
		require.True(t, proof.Verify(root, leafValue(int64(i)+1)), "index %d", i)
		require.Equal(t, i, proof.LeafIndex())

		// Wrong leaf fails.
		require.False(t, proof.Verify(root, leafValue(99999)))
	}

	// Proof for an empty leaf verifies with the zero commitment.
	proof, err := tree.Proof(7)
	require.NoError(t, err)
	require.True(t, proof.Verify(root, hash.Zero))
}

func TestProofJSONRoundTrip(t *testing.T) {
	tree, err := NewTree(4)
	require.NoError(t, err)
	tree, err = tree.Set(5, leafValue(11))
	require.NoError(t, err)

	proof, err := tree.Proof(5)
	require.NoError(t, err)

	data, err := json.Marshal(proof)
	require.NoError(t, err)

	// Each step is a single-key object named after the sibling side.
	var steps []map[string]hash.Hash
	require.NoError(t, json.Unmarshal(data, &steps))
	require.Len(t, steps, 4)
	for _, s := range steps {
		require.Len(t, s, 1)
	}

	var back Proof
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, proof, back)
	require.True(t, back.Verify(tree.Root(), leafValue(11)))
}

func TestBranchJSONRejectsAmbiguity(t *testing.T) {
	var b Branch
	require.Error(t, json.Unmarshal([]byte(`{}`), &b))
	require.Error(t, json.Unmarshal([]byte(
		`{"Left":"0x0000000000000000000000000000000000000000000000000000000000000001",`+
			`"Right":"0x0000000000000000000000000000000000000000000000000000000000000002"}`), &b))
}

func TestInsertionOrderIndependence(t *testing.T) {
	a, err := NewTree(testDepth)
	require.NoError(t, err)
	b, err := NewTree(testDepth)
	require.NoError(t, err)

	for i := uint64(0); i < 6; i++ {
		a, err = a.Set(i, leafValue(int64(i)+1))
		require.NoError(t, err)
	}
	for i := int64(5); i >= 0; i-- {
		b, err = b.Set(uint64(i), leafValue(i+1))
		require.NoError(t, err)
	}
	require.Equal(t, a.Root(), b.Root())
}
