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

// Package relayer abstracts the external transaction relayer: it wraps a
// batch in a signed transaction to the identity-manager contract and
// reports mining status. Nonce and gas management live behind this
// interface.
package relayer

import (
	"context"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/prover"
)

// TxState is the relayer's view of a submitted transaction.
type TxState string

const (
	TxPending TxState = "pending"
	TxMined   TxState = "mined"
	TxReorged TxState = "reorged"
	TxFailed  TxState = "failed"
)

// Status pairs a state with the block number once mined.
type Status struct {
	State       TxState
	BlockNumber uint64
}

// SubmitRequest carries everything the contract call needs.
type SubmitRequest struct {
	Kind        string       `json:"kind"`
	PreRoot     hash.Hash    `json:"pre_root"`
	PostRoot    hash.Hash    `json:"post_root"`
	StartIndex  uint64       `json:"start_index"`
	Commitments []hash.Hash  `json:"commitments"`
	LeafIndexes []uint64     `json:"leaf_indexes"`
	Proof       prover.Proof `json:"proof"`
}

// Relayer submits batches and reports their mining status. The relayer is
// expected to deduplicate submissions by post root; Submit is therefore
// safe to retry.
type Relayer interface {
	Submit(ctx context.Context, req *SubmitRequest) (transactionID string, err error)
	Status(ctx context.Context, transactionID string) (Status, error)
}
