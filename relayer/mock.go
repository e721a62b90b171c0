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

package relayer

import (
	"context"
	"fmt"
	"sync"

	"github.com/worldcoin/signup-sequencer/hash"
)

// Mock is a scriptable in-process Relayer for tests and dev mode. It
// deduplicates submissions by post root like the real service, and lets
// tests mine, reorg or fail transactions explicitly.
type Mock struct {
	mu       sync.Mutex
	nextID   int
	byRoot   map[hash.Hash]string
	statuses map[string]Status
	requests map[string]*SubmitRequest
	// AutoMine makes every submission immediately mined.
	AutoMine bool

	submitErr error
}

// NewMock returns an empty mock relayer.
func NewMock() *Mock {
	return &Mock{
		byRoot:   map[hash.Hash]string{},
		statuses: map[string]Status{},
		requests: map[string]*SubmitRequest{},
	}
}

// FailSubmitWith makes Submit return err until reset with nil.
func (m *Mock) FailSubmitWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// Submit implements Relayer.
func (m *Mock) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if id, ok := m.byRoot[req.PostRoot]; ok {
		return id, nil
	}
	m.nextID++
	id := fmt.Sprintf("tx-%04d", m.nextID)
	m.byRoot[req.PostRoot] = id
	m.requests[id] = req
	st := Status{State: TxPending}
	if m.AutoMine {
		st = Status{State: TxMined, BlockNumber: uint64(m.nextID)}
	}
	m.statuses[id] = st
	return id, nil
}

// Status implements Relayer.
func (m *Mock) Status(ctx context.Context, transactionID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[transactionID]
	if !ok {
		return Status{}, fmt.Errorf("relayer: unknown transaction %q", transactionID)
	}
	return st, nil
}

// Mine marks the transaction as mined at the given block.
func (m *Mock) Mine(transactionID string, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[transactionID] = Status{State: TxMined, BlockNumber: block}
}

// Reorg marks a previously mined transaction as reorged and forgets its
// dedup entry so a resubmission gets a fresh id.
func (m *Mock) Reorg(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[transactionID] = Status{State: TxReorged}
	if req, ok := m.requests[transactionID]; ok {
		delete(m.byRoot, req.PostRoot)
	}
}

// Request returns the submit request recorded for a transaction id.
func (m *Mock) Request(transactionID string) *SubmitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[transactionID]
}

// Submissions returns the number of distinct submissions accepted.
func (m *Mock) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
