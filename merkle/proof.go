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
	"fmt"

	"github.com/worldcoin/signup-sequencer/hash"
)

// Branch is one step of a Merkle inclusion proof. SiblingOnLeft records
// on which side the sibling hash sits when recombining towards the root.
type Branch struct {
	SiblingOnLeft bool
	Sibling       hash.Hash
}

// Proof is an ordered sequence of branches, leaf level first. Its JSON
// form is the wire format of the inclusion-proof endpoint: each step is
// {"Left": h} or {"Right": h} naming the sibling's position.
type Proof []Branch

type branchJSON struct {
	Left  *hash.Hash `json:"Left,omitempty"`
	Right *hash.Hash `json:"Right,omitempty"`
}

// MarshalJSON encodes the branch as {"Left": h} or {"Right": h}.
func (b Branch) MarshalJSON() ([]byte, error) {
	sibling := b.Sibling
	if b.SiblingOnLeft {
		return json.Marshal(branchJSON{Left: &sibling})
	}
	return json.Marshal(branchJSON{Right: &sibling})
}

// UnmarshalJSON decodes {"Left": h} / {"Right": h}.
func (b *Branch) UnmarshalJSON(data []byte) error {
	var raw branchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Left != nil && raw.Right == nil:
		*b = Branch{SiblingOnLeft: true, Sibling: *raw.Left}
	case raw.Right != nil && raw.Left == nil:
		*b = Branch{SiblingOnLeft: false, Sibling: *raw.Right}
	default:
		return fmt.Errorf("merkle: branch must have exactly one of Left or Right")
	}
	return nil
}

// Root folds the proof over the given leaf and returns the implied root.
func (p Proof) Root(leaf hash.Hash) hash.Hash {
	current := leaf
	for _, b := range p {
		if b.SiblingOnLeft {
			current = hashPair(b.Sibling, current)
		} else {
			current = hashPair(current, b.Sibling)
		}
	}
	return current
}

// Siblings returns just the sibling hashes, leaf level first. This is the
// witness layout the prover expects.
func (p Proof) Siblings() []hash.Hash {
	out := make([]hash.Hash, len(p))
	for i, b := range p {
		out[i] = b.Sibling
	}
	return out
}

// Verify reports whether the proof places leaf at the implied position
// under root.
func (p Proof) Verify(root, leaf hash.Hash) bool {
	return p.Root(leaf) == root
}

// LeafIndex reconstructs the leaf index encoded by the branch directions.
func (p Proof) LeafIndex() uint64 {
	var index uint64
	for i := len(p) - 1; i >= 0; i-- {
		index <<= 1
		if p[i].SiblingOnLeft {
			index |= 1
		}
	}
	return index
}
