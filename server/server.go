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

// Package server exposes the v2 HTTP API: identity intake, inclusion
// proofs, Semaphore proof verification, health and metrics. It is a thin
// adapter over the sequencer core.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/worldcoin/signup-sequencer/identitytree"
	"github.com/worldcoin/signup-sequencer/monitoring"
	"github.com/worldcoin/signup-sequencer/semaphore"
	"github.com/worldcoin/signup-sequencer/sequencer"
	"github.com/worldcoin/signup-sequencer/storage"
	"github.com/worldcoin/signup-sequencer/util/clock"
)

// Options carries the server's collaborators and tuning.
type Options struct {
	Store    storage.Store
	State    *identitytree.State
	Intake   *sequencer.Intake
	Verifier *semaphore.Verifier

	Clock          clock.Clock
	MaxRootAge     time.Duration
	RequestTimeout time.Duration
	Metrics        *monitoring.Metrics
}

// Server is the HTTP API front end.
type Server struct {
	store      storage.Store
	state      *identitytree.State
	intake     *sequencer.Intake
	verifier   *semaphore.Verifier
	clk        clock.Clock
	metrics    *monitoring.Metrics
	maxRootAge time.Duration
	timeout    time.Duration
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.New(nil, "")
	}
	if opts.MaxRootAge == 0 {
		opts.MaxRootAge = time.Hour
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		store:      opts.Store,
		state:      opts.State,
		intake:     opts.Intake,
		verifier:   opts.Verifier,
		clk:        opts.Clock,
		metrics:    opts.Metrics,
		maxRootAge: opts.MaxRootAge,
		timeout:    opts.RequestTimeout,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/identities/{commitment}", s.instrument("/v2/identities", s.handleInsert))
	mux.HandleFunc("DELETE /v2/identities/{commitment}", s.instrument("/v2/identities", s.handleDelete))
	mux.HandleFunc("GET /v2/identities/{commitment}/inclusion-proof", s.instrument("/v2/identities/inclusion-proof", s.handleInclusionProof))
	mux.HandleFunc("POST /v2/semaphore-proof/verify", s.instrument("/v2/semaphore-proof/verify", s.handleVerify))
	mux.HandleFunc("GET /v2/health", s.instrument("/v2/health", s.handleHealth))
	mux.Handle("GET /v2/metrics", promhttp.Handler())
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func (s *Server) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("HTTP API listening on %s", address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the request deadline, logging and
// metrics.
func (s *Server) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), s.timeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, req.WithContext(ctx))

		s.metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
		s.metrics.HTTPSeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
		klog.V(1).Infof("%s %s -> %d (%v)", req.Method, req.URL.Path, rec.code, time.Since(start))
	}
}
