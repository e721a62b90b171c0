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

// The sequencer binary runs the sign-up sequencer: identity intake, batch
// formation, proving, submission and finalization, plus the v2 HTTP API.
//
// Exit codes: 0 on a clean shutdown, 1 on an unrecoverable external
// error, 2 on a data-integrity invariant failure.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/config"
	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/monitoring"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/relayer"
	"github.com/worldcoin/signup-sequencer/semaphore"
	"github.com/worldcoin/signup-sequencer/sequencer"
	"github.com/worldcoin/signup-sequencer/server"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/storage/memory"
	"github.com/worldcoin/signup-sequencer/storage/postgresql"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

const (
	exitFatal     = 1
	exitInvariant = 2
)

var configPath = flag.String("config", "", "Path to the TOML configuration file")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configPath == "" {
		klog.Exit("--config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Exitf("Loading config: %v", err)
	}

	klog.Info("**** Sign-up Sequencer Starting ****")
	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.New(prometheus.DefaultRegisterer, "sequencer_")

	store, err := openStore(ctx, cfg)
	if err != nil {
		klog.Errorf("Opening storage: %v", err)
		return exitFatal
	}
	defer store.Close()

	klog.Infof("Rebuilding tree state at depth %d", cfg.App.TreeDepth)
	state, err := identitytree.Initialize(ctx, store, cfg.App.TreeDepth)
	if err != nil {
		klog.Errorf("Initializing tree state: %v", err)
		if storage.IsInvariantViolation(err) {
			return exitInvariant
		}
		return exitFatal
	}

	provers, err := buildProvers(cfg)
	if err != nil {
		klog.Errorf("Configuring provers: %v", err)
		return exitFatal
	}
	rel := buildRelayer(cfg)

	var verifier *semaphore.Verifier
	if cfg.Semaphore.VerifyingKeyPath != "" {
		if verifier, err = semaphore.LoadVerifier(cfg.Semaphore.VerifyingKeyPath); err != nil {
			klog.Errorf("Loading verifying key: %v", err)
			return exitFatal
		}
	}

	seqCfg := sequencer.Config{
		TreeDepth:        cfg.App.TreeDepth,
		PollPeriod:       cfg.App.PollPeriod.Std(),
		InsertionTimeout: cfg.App.InsertionTimeout.Std(),
		DeletionTimeout:  cfg.App.DeletionTimeout.Std(),
	}
	manager := sequencer.NewManager(store, state, provers, rel, clock.System, seqCfg, metrics)

	api := server.New(server.Options{
		Store:          store,
		State:          state,
		Intake:         manager.Intake,
		Verifier:       verifier,
		Clock:          clock.System,
		MaxRootAge:     cfg.App.MaxRootAge.Std(),
		RequestTimeout: cfg.Server.RequestTimeout.Std(),
		Metrics:        metrics,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return api.Serve(ctx, cfg.Server.Address) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		klog.Info("Sequencer shut down cleanly")
		return 0
	case storage.IsInvariantViolation(err):
		klog.Errorf("FATAL invariant violation, refusing to continue: %v", err)
		return exitInvariant
	default:
		klog.Errorf("Sequencer stopped: %v", err)
		return exitFatal
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.App.DevMode {
		klog.Warning("Dev mode: using in-memory storage, state is not durable")
		return memory.New(), nil
	}
	return postgresql.Open(ctx, cfg.Database.DSN, cfg.Database.Migrate)
}

func buildProvers(cfg *config.Config) (*prover.Map, error) {
	if cfg.App.DevMode && len(cfg.Provers) == 0 {
		klog.Warning("Dev mode: using mock provers of size 1")
		return prover.NewMap(
			prover.NewMock(1, prover.Insertion),
			prover.NewMock(1, prover.Deletion),
		)
	}
	clients := make([]prover.Prover, len(cfg.Provers))
	for i, pc := range cfg.Provers {
		clients[i] = prover.NewClient(pc.URL, pc.BatchSize, prover.Kind(pc.Kind), pc.Timeout.Std())
	}
	return prover.NewMap(clients...)
}

func buildRelayer(cfg *config.Config) relayer.Relayer {
	if cfg.App.DevMode && cfg.Relayer.URL == "" {
		klog.Warning("Dev mode: using auto-mining mock relayer")
		mock := relayer.NewMock()
		mock.AutoMine = true
		return mock
	}
	return relayer.NewClient(cfg.Relayer.URL, cfg.Relayer.Timeout.Std())
}
