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
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/monitoring"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/relayer"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// Manager owns the pipeline task set: the batch former, the transaction
// submitter and the finalizer, plus the intake front end handed to the
// HTTP layer.
type Manager struct {
	Intake *Intake

	former    *Former
	submitter *Submitter
	finalizer *Finalizer
}

// NewManager wires the pipeline. The former wakes on intake events; the
// submitter wakes whenever a batch is formed through the shared store, on
// its poll tick.
func NewManager(store storage.Store, state *identitytree.State, provers *prover.Map,
	rel relayer.Relayer, clk clock.Clock, cfg Config, m *monitoring.Metrics) *Manager {
	cfg.applyDefaults()
	InitMetrics(m)

	wake := make(chan struct{}, 1)
	return &Manager{
		Intake:    NewIntake(store, clk, wake),
		former:    NewFormer(store, state, provers, clk, cfg, wake),
		submitter: NewSubmitter(store, rel, clk, cfg, nil),
		finalizer: NewFinalizer(store, rel, state, clk, cfg),
	}
}

// Run blocks until the context is cancelled or a task fails fatally. A
// returned InvariantError means the process must not keep forming
// batches; callers exit with a distinguished code.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.former.Run(ctx) })
	g.Go(func() error { return m.submitter.Run(ctx) })
	g.Go(func() error { return m.finalizer.Run(ctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		klog.Errorf("Pipeline stopped: %v", err)
		return err
	}
	return nil
}
