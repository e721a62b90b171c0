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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/merkle"
	"github.com/worldcoin/signup-sequencer/storage"
)

// State holds the four layered snapshots. Mined reflects the mined log
// prefix, Processed the whole log, Batching the persisted batch chain and
// Latest the former's optimistic overlay. After a clean pipeline step
// Processed, Batching and Latest share the same root.
type State struct {
	Mined     *Version
	Processed *Version
	Batching  *Version
	Latest    *Version

	// LastMinedID and LastProcessedID are the log row ids the mined and
	// processed snapshots reflected at initialization. The finalizer
	// continues from LastMinedID.
	LastMinedID     int64
	LastProcessedID int64
}

// replayPageSize is how many log rows the initializer fetches per query.
const replayPageSize = 10000

// Initialize rebuilds the tree state by replaying the identities log in
// id order, verifying every row's stored root against the recomputed one
// (tree agreement). The mined snapshot stops at the last mined row; a
// mined row after a processed one is a corrupt log.
func Initialize(ctx context.Context, store storage.Store, depth int) (*State, error) {
	tree, err := merkle.NewTree(depth)
	if err != nil {
		return nil, err
	}
	minedTree := tree

	var (
		afterID      int64
		rows         int
		lastMinedID  int64
		sawProcessed bool
	)
	for {
		page, err := store.IdentitiesSince(ctx, afterID, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("replaying identities: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, row := range page {
			if row.PreRoot != nil && *row.PreRoot != tree.Root() {
				return nil, &storage.InvariantError{Msg: fmt.Sprintf(
					"log row %d: pre_root %s does not chain from %s", row.ID, row.PreRoot, tree.Root())}
			}
			next, err := tree.Set(row.LeafIndex, row.Commitment)
			if err != nil {
				return nil, &storage.InvariantError{Msg: fmt.Sprintf("log row %d: %v", row.ID, err)}
			}
			if next.Root() != row.Root {
				return nil, &storage.InvariantError{Msg: fmt.Sprintf(
					"log row %d: replayed root %s does not match stored root %s", row.ID, next.Root(), row.Root)}
			}
			tree = next

			switch row.Status {
			case storage.StatusMined:
				if sawProcessed {
					return nil, &storage.InvariantError{Msg: fmt.Sprintf(
						"log row %d is mined after a processed row", row.ID)}
				}
				minedTree = tree
				lastMinedID = row.ID
			case storage.StatusProcessed:
				sawProcessed = true
			default:
				return nil, &storage.InvariantError{Msg: fmt.Sprintf(
					"log row %d has unknown status %q", row.ID, row.Status)}
			}
			afterID = row.ID
			rows++
		}
	}

	klog.Infof("Tree state initialized: %d log rows, processed root %s, mined root %s",
		rows, tree.Root(), minedTree.Root())

	return &State{
		Mined:           NewVersion("mined", minedTree),
		Processed:       NewVersion("processed", tree),
		Batching:        NewVersion("batching", tree),
		Latest:          NewVersion("latest", tree),
		LastMinedID:     lastMinedID,
		LastProcessedID: afterID,
	}, nil
}

// CommitBatch folds a persisted batch's updates into the processed and
// batching layers. The latest layer is expected to already carry them
// from the former's optimistic application.
func (s *State) CommitBatch(updates []storage.IdentityUpdate) error {
	if err := s.Processed.Apply(updates); err != nil {
		return err
	}
	return s.Batching.Apply(updates)
}
