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

// Package prover drives the external zero-knowledge prover service: one
// HTTP endpoint per supported batch size and kind, producing a Groth16
// proof that a batch transforms pre_root into post_root.
package prover

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/merkle"
)

// Kind selects the circuit family a prover serves.
type Kind string

const (
	Insertion Kind = "insertion"
	Deletion  Kind = "deletion"
)

// Identity pairs a commitment with its pre-operation Merkle witness.
type Identity struct {
	Commitment  hash.Hash
	MerkleProof merkle.Proof
}

// Input is the prover request payload before serialization.
type Input struct {
	Kind       Kind
	StartIndex uint32
	PreRoot    hash.Hash
	PostRoot   hash.Hash
	// DeletionIndices is set for deletion batches only.
	DeletionIndices []uint32
	Identities      []Identity
}

// Prover produces a Groth16 proof for a batch of the size it was built
// for. Implementations: the HTTP client and the test mock.
type Prover interface {
	// BatchSize is the exact batch capacity of the underlying circuit.
	BatchSize() int
	// Kind reports which circuit family this prover serves.
	Kind() Kind
	// Prove generates a proof for the input. The identity count must
	// equal BatchSize; the prover rejects other sizes.
	Prove(ctx context.Context, input *Input) (Proof, error)
}

// Proof is a Groth16 proof as eight base-field elements in the on-chain
// submission order [a0 a1 b00 b01 b10 b11 c0 c1]. Elements are base-field
// values, so they are carried as raw 256-bit integers rather than reduced
// scalar-field hashes.
type Proof [8]*big.Int

// MarshalJSON renders the proof as an array of 0x-prefixed hex strings.
func (p Proof) MarshalJSON() ([]byte, error) {
	out := make([]string, len(p))
	for i, e := range p {
		if e == nil {
			return nil, fmt.Errorf("prover: proof element %d is nil", i)
		}
		out[i] = fmt.Sprintf("0x%064x", e)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts an array of eight hex or decimal strings.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != len(p) {
		return fmt.Errorf("prover: expected %d proof elements, got %d", len(p), len(raw))
	}
	for i, s := range raw {
		e, ok := new(big.Int).SetString(s, 0)
		if !ok || e.Sign() < 0 || e.BitLen() > 256 {
			return fmt.Errorf("prover: bad proof element %q", s)
		}
		(*p)[i] = e
	}
	return nil
}

// InputHash computes the prover's binding commitment to the request, the
// keccak256 of the inputs in big-endian order:
//
//	insertion: StartIndex(4) || PreRoot || PostRoot || IdComms...
//	deletion:  DeletionIndices(4 each)... || PreRoot || PostRoot
func (in *Input) InputHash() *big.Int {
	k := sha3.NewLegacyKeccak256()
	var idx [4]byte
	if in.Kind == Insertion {
		binary.BigEndian.PutUint32(idx[:], in.StartIndex)
		k.Write(idx[:])
	} else {
		for _, d := range in.DeletionIndices {
			binary.BigEndian.PutUint32(idx[:], d)
			k.Write(idx[:])
		}
	}
	k.Write(in.PreRoot.Bytes())
	k.Write(in.PostRoot.Bytes())
	if in.Kind == Insertion {
		for _, id := range in.Identities {
			k.Write(id.Commitment.Bytes())
		}
	}
	return new(big.Int).SetBytes(k.Sum(nil))
}
