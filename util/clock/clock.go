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

// Package clock supplies time to the pipeline tasks. Tick loops and the
// batch-timeout decisions go through a Clock so tests can drive them
// deterministically with a Manual clock.
package clock

import "time"

// Clock provides the current time and timer channels.
type Clock interface {
	// Now returns the current time as seen by this Clock.
	Now() time.Time
	// After returns a channel that delivers the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// System is the Clock backed by real time.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// SecondsSince returns the seconds elapsed since t, as measured by c.
func SecondsSince(c Clock, t time.Time) float64 {
	return c.Now().Sub(t).Seconds()
}
