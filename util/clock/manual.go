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

package clock

import (
	"sync"
	"time"
)

// Manual is a hand-driven Clock for tests. Time moves only through Set
// or Advance; pending After channels fire once the clock reaches their
// deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a Manual clock reading t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Clock. A non-positive d delivers immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if !deadline.After(m.now) {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// Set moves the clock to t and fires every waiter whose deadline has
// been reached.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = t
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(t) {
			kept = append(kept, w)
		} else {
			w.ch <- t
		}
	}
	m.waiters = kept
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.Set(m.Now().Add(d))
	return m.Now()
}
