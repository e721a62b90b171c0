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
	"fmt"
	"sort"
)

// Map holds the provers available to the batch former, keyed by kind and
// batch size. Batch formation picks sizes from this set only.
type Map struct {
	byKind map[Kind]map[int]Prover
}

// NewMap indexes the given provers. Two provers for the same kind and
// batch size are a configuration error.
func NewMap(provers ...Prover) (*Map, error) {
	m := &Map{byKind: map[Kind]map[int]Prover{
		Insertion: {},
		Deletion:  {},
	}}
	for _, p := range provers {
		sizes, ok := m.byKind[p.Kind()]
		if !ok {
			return nil, fmt.Errorf("prover: unknown kind %q", p.Kind())
		}
		if _, dup := sizes[p.BatchSize()]; dup {
			return nil, fmt.Errorf("prover: duplicate %s prover for batch size %d", p.Kind(), p.BatchSize())
		}
		sizes[p.BatchSize()] = p
	}
	return m, nil
}

// Get returns the prover for an exact batch size, or nil.
func (m *Map) Get(kind Kind, batchSize int) Prover {
	return m.byKind[kind][batchSize]
}

// Sizes returns the supported batch sizes for kind in ascending order.
func (m *Map) Sizes(kind Kind) []int {
	sizes := make([]int, 0, len(m.byKind[kind]))
	for s := range m.byKind[kind] {
		sizes = append(sizes, s)
	}
	sort.Ints(sizes)
	return sizes
}

// HasKind reports whether any prover of the kind is configured.
func (m *Map) HasKind(kind Kind) bool {
	return len(m.byKind[kind]) > 0
}

// BestFit returns the largest supported batch size that fits n identities,
// or 0 when even the smallest circuit is bigger than n.
func (m *Map) BestFit(kind Kind, n int) int {
	best := 0
	for s := range m.byKind[kind] {
		if s <= n && s > best {
			best = s
		}
	}
	return best
}

// SmallestFitting returns the smallest supported batch size that can hold
// n identities (padding the remainder), or 0 when none can.
func (m *Map) SmallestFitting(kind Kind, n int) int {
	smallest := 0
	for s := range m.byKind[kind] {
		if s >= n && (smallest == 0 || s < smallest) {
			smallest = s
		}
	}
	return smallest
}

// MaxBatchSize returns the largest supported size for kind, or 0.
func (m *Map) MaxBatchSize(kind Kind) int {
	max := 0
	for s := range m.byKind[kind] {
		if s > max {
			max = s
		}
	}
	return max
}

// NextSmaller returns the largest supported size strictly below batchSize,
// used to downgrade after a capacity rejection. Returns 0 when there is
// none.
func (m *Map) NextSmaller(kind Kind, batchSize int) int {
	best := 0
	for s := range m.byKind[kind] {
		if s < batchSize && s > best {
			best = s
		}
	}
	return best
}
