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

// Package sequencer implements the identity processing pipeline: intake
// of insertions and deletions, batch formation against the layered tree
// state, transaction submission through the relayer, and finalization of
// mined batches.
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// ErrInvalidCommitment rejects the zero commitment and anything else that
// cannot be a leaf value.
var ErrInvalidCommitment = errors.New("invalid commitment")

// Intake validates and queues client requests, and wakes the batch
// former when new work arrives.
type Intake struct {
	store storage.Store
	clk   clock.Clock
	wake  chan<- struct{}
}

// NewIntake builds the intake front end. wake may be nil.
func NewIntake(store storage.Store, clk clock.Clock, wake chan<- struct{}) *Intake {
	return &Intake{store: store, clk: clk, wake: wake}
}

func (i *Intake) poke() {
	if i.wake == nil {
		return
	}
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// QueueInsertion validates and queues a commitment for insertion.
func (i *Intake) QueueInsertion(ctx context.Context, commitment hash.Hash) error {
	if commitment.IsZero() {
		return fmt.Errorf("%w: zero commitment", ErrInvalidCommitment)
	}
	if err := i.store.EnqueueInsertion(ctx, commitment, i.clk.Now().UTC()); err != nil {
		return err
	}
	metrics.InsertionsQueued.Inc()
	klog.V(1).Infof("Queued insertion of %s", commitment)
	i.poke()
	return nil
}

// QueueDeletion validates and queues a deletion request.
func (i *Intake) QueueDeletion(ctx context.Context, commitment hash.Hash) error {
	if commitment.IsZero() {
		return fmt.Errorf("%w: zero commitment", ErrInvalidCommitment)
	}
	if err := i.store.EnqueueDeletion(ctx, commitment, i.clk.Now().UTC()); err != nil {
		return err
	}
	metrics.DeletionsQueued.Inc()
	klog.V(1).Infof("Queued deletion of %s", commitment)
	i.poke()
	return nil
}
