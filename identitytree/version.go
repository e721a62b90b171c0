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

// Package identitytree maintains the layered in-memory snapshots of the
// identity Merkle tree: mined, processed, batching and latest, each a
// prefix (or speculative extension) of the identities log. Snapshots are
// immutable merkle.Tree values, so forking and discarding a speculative
// layer costs only the touched paths.
package identitytree

import (
	"fmt"
	"sync"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/merkle"
	"github.com/worldcoin/signup-sequencer/storage"
)

// historyLimit bounds how many recent snapshots a version retains for
// rewinds. A reorg deeper than this needs manual recovery.
const historyLimit = 128

type snapshot struct {
	root hash.Hash
	tree *merkle.Tree
}

// Version is one named snapshot of the tree. It is single-writer: the
// owning task mutates it via Apply/RewindToRoot; any task may read a
// consistent tree copy.
type Version struct {
	name string

	mu      sync.RWMutex
	tree    *merkle.Tree
	history []snapshot
}

// NewVersion wraps an initial tree under a snapshot name.
func NewVersion(name string, tree *merkle.Tree) *Version {
	return &Version{name: name, tree: tree}
}

// Name returns the snapshot name (mined, processed, batching, latest).
func (v *Version) Name() string { return v.name }

// Root returns the current root.
func (v *Version) Root() hash.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree.Root()
}

// Tree returns the current immutable tree snapshot.
func (v *Version) Tree() *merkle.Tree {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tree
}

// Leaf returns the leaf value at index.
func (v *Version) Leaf(index uint64) (hash.Hash, error) {
	return v.Tree().Get(index)
}

// Proof returns the inclusion proof for index together with the root it
// verifies against, taken from one consistent snapshot.
func (v *Version) Proof(index uint64) (merkle.Proof, hash.Hash, error) {
	tree := v.Tree()
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, hash.Zero, err
	}
	return proof, tree.Root(), nil
}

// Apply folds updates into the snapshot in order. Each update's PreRoot
// and Root are checked against the recomputed tree; a mismatch is an
// InvariantError and leaves the version unchanged.
func (v *Version) Apply(updates []storage.IdentityUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	tree := v.tree
	for _, upd := range updates {
		if upd.PreRoot != nil && *upd.PreRoot != tree.Root() {
			return &storage.InvariantError{Msg: fmt.Sprintf(
				"%s tree: update at leaf %d expects pre-root %s, have %s",
				v.name, upd.LeafIndex, upd.PreRoot, tree.Root())}
		}
		next, err := tree.Set(upd.LeafIndex, upd.Commitment)
		if err != nil {
			return &storage.InvariantError{Msg: fmt.Sprintf("%s tree: %v", v.name, err)}
		}
		if next.Root() != upd.Root {
			return &storage.InvariantError{Msg: fmt.Sprintf(
				"%s tree: update at leaf %d yields root %s, log says %s",
				v.name, upd.LeafIndex, next.Root(), upd.Root)}
		}
		tree = next
	}

	v.history = append(v.history, snapshot{root: v.tree.Root(), tree: v.tree})
	if len(v.history) > historyLimit {
		v.history = v.history[len(v.history)-historyLimit:]
	}
	v.tree = tree
	return nil
}

// RewindToRoot restores the snapshot whose root is root. Used to release
// a speculative layer and to rewind mined state on reorg. Rewinding past
// the retained history fails.
func (v *Version) RewindToRoot(root hash.Hash) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.tree.Root() == root {
		return nil
	}
	for i := len(v.history) - 1; i >= 0; i-- {
		if v.history[i].root == root {
			v.tree = v.history[i].tree
			v.history = v.history[:i]
			return nil
		}
	}
	return fmt.Errorf("%s tree: root %s not in rewind history", v.name, root)
}

// reset replaces the snapshot contents, dropping history.
func (v *Version) reset(tree *merkle.Tree) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tree = tree
	v.history = nil
}
