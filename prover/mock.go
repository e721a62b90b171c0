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

package prover

import (
	"context"
	"math/big"
	"sync"
)

// Mock is an in-process Prover for tests and dev mode. It derives a
// deterministic pseudo-proof from the input hash so distinct batches get
// distinct proofs, and can be scripted to fail.
type Mock struct {
	batchSize int
	kind      Kind

	mu    sync.Mutex
	calls int
	fail  error
}

// NewMock returns a mock prover of the given capacity.
func NewMock(batchSize int, kind Kind) *Mock {
	return &Mock{batchSize: batchSize, kind: kind}
}

// BatchSize implements Prover.
func (m *Mock) BatchSize() int { return m.batchSize }

// Kind implements Prover.
func (m *Mock) Kind() Kind { return m.kind }

// FailWith makes subsequent Prove calls return err; pass nil to recover.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls returns how many Prove calls were made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prove implements Prover.
func (m *Mock) Prove(ctx context.Context, input *Input) (Proof, error) {
	m.mu.Lock()
	m.calls++
	fail := m.fail
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	if fail != nil {
		return Proof{}, fail
	}
	if len(input.Identities) != m.batchSize {
		return Proof{}, &RemoteError{Code: "batch_size_mismatch", Message: "wrong number of identities"}
	}

	seed := input.InputHash()
	var proof Proof
	for i := range proof {
		proof[i] = new(big.Int).Add(seed, big.NewInt(int64(i)))
	}
	return proof, nil
}
