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

// Package merkle implements the sparse incremental Merkle tree mirrored
// from the identity-manager contract. Interior nodes hash with Poseidon
// over BN254; untouched subtrees are represented by precomputed
// empty-subtree hashes, so only modified paths are materialized.
//
// Trees are immutable: Set returns a new tree sharing all unmodified
// nodes with the receiver (path copy). This is what makes the layered
// tree snapshots cheap to fork and discard.
package merkle

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/worldcoin/signup-sequencer/hash"
)

// MaxDepth bounds tree depth; leaf indexes must fit an int64 and the
// empty-hash ladder is precomputed per depth.
const MaxDepth = 63

// node is an interior or leaf node on a materialized path. A nil child
// stands for the empty subtree at that level.
type node struct {
	hash  hash.Hash
	left  *node
	right *node
}

// Tree is an immutable sparse Merkle tree of fixed depth.
type Tree struct {
	depth int
	root  *node // nil when the tree is fully empty
	empty []hash.Hash
}

// NewTree returns an empty tree of the given depth. All trees of the same
// depth share the empty-subtree hash ladder.
func NewTree(depth int) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("merkle: depth %d out of range [1, %d]", depth, MaxDepth)
	}
	return &Tree{depth: depth, empty: emptyHashes(depth)}, nil
}

// hashPair computes the Poseidon hash of two children.
func hashPair(left, right hash.Hash) hash.Hash {
	sum, err := poseidon.Hash([]*big.Int{left.Big(), right.Big()})
	if err != nil {
		// Two reduced field elements is always a valid Poseidon input.
		panic(fmt.Sprintf("merkle: poseidon: %v", err))
	}
	return hash.FromBig(sum)
}

var (
	emptyMu    sync.Mutex
	emptyCache = map[int][]hash.Hash{}
)

// emptyHashes returns empty[i] = hash of an empty subtree of height i,
// with empty[0] the zero leaf.
func emptyHashes(depth int) []hash.Hash {
	emptyMu.Lock()
	defer emptyMu.Unlock()
	if cached, ok := emptyCache[depth]; ok {
		return cached
	}
	empty := make([]hash.Hash, depth+1)
	empty[0] = hash.Zero
	for i := 1; i <= depth; i++ {
		empty[i] = hashPair(empty[i-1], empty[i-1])
	}
	emptyCache[depth] = empty
	return empty
}

// Depth returns the fixed depth of the tree.
func (t *Tree) Depth() int {
	return t.depth
}

// NumLeaves returns the leaf capacity, 2^depth.
func (t *Tree) NumLeaves() uint64 {
	return 1 << uint(t.depth)
}

// Root returns the current root hash.
func (t *Tree) Root() hash.Hash {
	if t.root == nil {
		return t.empty[t.depth]
	}
	return t.root.hash
}

func (t *Tree) checkIndex(index uint64) error {
	if index >= t.NumLeaves() {
		return fmt.Errorf("merkle: leaf index %d out of range for depth %d", index, t.depth)
	}
	return nil
}

// Get returns the leaf value at index, or the zero commitment for an
// untouched leaf.
func (t *Tree) Get(index uint64) (hash.Hash, error) {
	if err := t.checkIndex(index); err != nil {
		return hash.Zero, err
	}
	n := t.root
	for level := t.depth - 1; level >= 0; level-- {
		if n == nil {
			return hash.Zero, nil
		}
		if index&(1<<uint(level)) == 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return hash.Zero, nil
	}
	return n.hash, nil
}

// Set writes value at index and returns the updated tree. The receiver is
// unchanged; the two trees share every node off the written path.
func (t *Tree) Set(index uint64, value hash.Hash) (*Tree, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	root := t.set(t.root, t.depth, index, value)
	return &Tree{depth: t.depth, root: root, empty: t.empty}, nil
}

func (t *Tree) set(n *node, height int, index uint64, value hash.Hash) *node {
	if height == 0 {
		return &node{hash: value}
	}
	var left, right *node
	if n != nil {
		left, right = n.left, n.right
	}
	if index&(1<<uint(height-1)) == 0 {
		left = t.set(left, height-1, index, value)
	} else {
		right = t.set(right, height-1, index, value)
	}
	return &node{hash: hashPair(t.childHash(left, height-1), t.childHash(right, height-1)), left: left, right: right}
}

func (t *Tree) childHash(n *node, height int) hash.Hash {
	if n == nil {
		return t.empty[height]
	}
	return n.hash
}

// Proof returns the Merkle inclusion proof for the leaf at index, ordered
// leaf-level first.
func (t *Tree) Proof(index uint64) (Proof, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	proof := make(Proof, t.depth)
	n := t.root
	for level := t.depth - 1; level >= 0; level-- {
		var sibling *node
		goRight := index&(1<<uint(level)) != 0
		if n != nil {
			if goRight {
				sibling = n.left
			} else {
				sibling = n.right
			}
		}
		// Branch records the sibling's position relative to the path.
		proof[level] = Branch{
			SiblingOnLeft: goRight,
			Sibling:       t.childHash(sibling, level),
		}
		if n != nil {
			if goRight {
				n = n.right
			} else {
				n = n.left
			}
		}
	}
	return proof, nil
}
