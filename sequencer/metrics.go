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

package sequencer

import (
	"sync"

	"github.com/worldcoin/signup-sequencer/monitoring"
)

var (
	metricsOnce sync.Once
	// metrics defaults to unregistered collectors so standalone pipeline
	// pieces (and tests) report somewhere harmless.
	metrics = monitoring.New(nil, "")
)

// InitMetrics installs the metric set the pipeline reports to. The first
// call wins; passing nil keeps the unregistered default, which is what
// tests want.
func InitMetrics(m *monitoring.Metrics) {
	metricsOnce.Do(func() {
		if m != nil {
			metrics = m
		}
	})
}
