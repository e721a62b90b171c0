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

// Package monitoring defines the sequencer's Prometheus instrumentation.
// The service is a single binary with a single metrics backend, so the
// collectors are declared concretely rather than behind a factory; tests
// build them unregistered.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the full metric set of the pipeline and its HTTP surface.
// Kind-labelled metrics split by batch kind (insertion/deletion).
type Metrics struct {
	// Intake.
	InsertionsQueued prometheus.Counter
	DeletionsQueued  prometheus.Counter

	// Batch formation.
	BatchesFormed      *prometheus.CounterVec
	BatchCommitments   *prometheus.HistogramVec
	ProverSeconds      *prometheus.HistogramVec
	UnprocessedBacklog prometheus.Gauge
	FormerErrors       prometheus.Counter

	// Submission and finalization.
	BatchesSubmitted prometheus.Counter
	BatchesMined     prometheus.Counter
	ReorgsObserved   prometheus.Counter

	// HTTP surface.
	HTTPRequests *prometheus.CounterVec
	HTTPSeconds  *prometheus.HistogramVec
}

// New builds the metric set with the given name prefix and registers it
// with reg. Pass a nil registerer to keep the collectors unregistered,
// which is what tests want.
func New(reg prometheus.Registerer, prefix string) *Metrics {
	m := &Metrics{
		InsertionsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "insertions_queued",
			Help: "Identity insertions accepted into the unprocessed queue",
		}),
		DeletionsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "deletions_queued",
			Help: "Identity deletions accepted into the deletion queue",
		}),
		BatchesFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batches_formed",
			Help: "Batches formed and persisted",
		}, []string{"kind"}),
		BatchCommitments: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prefix + "batch_commitments",
			Help: "Commitments per formed batch",
		}, []string{"kind"}),
		ProverSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prefix + "prover_seconds",
			Help: "Prover round-trip latency in seconds",
		}, []string{"kind"}),
		UnprocessedBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "unprocessed_backlog",
			Help: "Current size of the unprocessed insertion queue",
		}),
		FormerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "former_errors",
			Help: "Batch former iterations that ended in a retryable error",
		}),
		BatchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_submitted",
			Help: "Batches handed to the relayer",
		}),
		BatchesMined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_mined",
			Help: "Batches confirmed mined on chain",
		}),
		ReorgsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "reorgs_observed",
			Help: "Mined transactions later reported reorged",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "http_requests",
			Help: "HTTP requests served",
		}, []string{"path", "code"}),
		HTTPSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prefix + "http_seconds",
			Help: "HTTP request latency in seconds",
		}, []string{"path"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.InsertionsQueued, m.DeletionsQueued,
			m.BatchesFormed, m.BatchCommitments, m.ProverSeconds,
			m.UnprocessedBacklog, m.FormerErrors,
			m.BatchesSubmitted, m.BatchesMined, m.ReorgsObserved,
			m.HTTPRequests, m.HTTPSeconds,
		)
	}
	return m
}
