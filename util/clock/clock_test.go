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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestManualSetAndAdvance(t *testing.T) {
	m := NewManual(baseTime)
	require.Equal(t, baseTime, m.Now())

	m.Set(baseTime.Add(time.Minute))
	require.Equal(t, baseTime.Add(time.Minute), m.Now())

	got := m.Advance(time.Minute)
	require.Equal(t, baseTime.Add(2*time.Minute), got)
	require.Equal(t, got, m.Now())
}

func TestManualAfterFiresAtDeadline(t *testing.T) {
	m := NewManual(baseTime)
	ch := m.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("channel fired before its deadline")
	default:
	}

	m.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("channel fired early")
	default:
	}

	m.Advance(time.Second)
	select {
	case now := <-ch:
		require.Equal(t, baseTime.Add(10*time.Second), now)
	default:
		t.Fatal("channel did not fire at the deadline")
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	m := NewManual(baseTime)
	select {
	case now := <-m.After(0):
		require.Equal(t, baseTime, now)
	default:
		t.Fatal("zero-duration After did not deliver immediately")
	}
}

func TestManualMultipleWaiters(t *testing.T) {
	m := NewManual(baseTime)
	early := m.After(time.Second)
	late := m.After(time.Minute)

	m.Advance(2 * time.Second)
	select {
	case <-early:
	default:
		t.Fatal("earlier waiter did not fire")
	}
	select {
	case <-late:
		t.Fatal("later waiter fired too soon")
	default:
	}

	m.Advance(time.Minute)
	select {
	case <-late:
	default:
		t.Fatal("later waiter did not fire")
	}
}

func TestSecondsSince(t *testing.T) {
	m := NewManual(baseTime)
	start := m.Now()
	m.Advance(90 * time.Second)
	require.Equal(t, 90.0, SecondsSince(m, start))
}
