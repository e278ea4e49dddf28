// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the analyze
// pipeline.
//
// # Description
//
// Metrics cover request outcomes, per-stage latency, consensus agreement,
// graph degradation, and per-stage error counts. Exposed via /metrics for
// Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "medgraph"
const pipelineSubsystem = "pipeline"

// PipelineMetrics holds the Prometheus instruments for one analyze
// orchestrator. Construct once per process via NewPipelineMetrics and share
// across requests.
//
// # Fields
//
//   - RequestsTotal: Counter of analyze calls by outcome (ok, degraded, error)
//   - StageDurationSeconds: Histogram of per-stage latency
//   - ConsensusAgreementScore: Histogram of the consensus engine's agreement score
//   - GraphDegradedTotal: Counter of requests where the graph upsert degraded to a fallback
//   - ErrorsTotal: Counter of stage errors by stage and error kind
type PipelineMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	StageDurationSeconds    *prometheus.HistogramVec
	ConsensusAgreementScore prometheus.Histogram
	GraphDegradedTotal      prometheus.Counter
	ErrorsTotal             *prometheus.CounterVec
}

// NewPipelineMetrics registers and returns a fresh PipelineMetrics against
// reg. Pass prometheus.DefaultRegisterer in production; pass a
// prometheus.NewRegistry() in tests to avoid duplicate-registration panics
// across test runs.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total analyze requests by outcome (ok, degraded, error)",
			},
			[]string{"outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage latency within one analyze call",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"stage"},
		),
		ConsensusAgreementScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "consensus_agreement_score",
				Help:      "Consensus engine agreement score per analyze call",
				Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		GraphDegradedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "graph_degraded_total",
				Help:      "Total analyze requests where the graph upsert fell back to a degraded path",
			},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total stage errors by stage and error kind",
			},
			[]string{"stage", "kind"},
		),
	}
}

// RecordRequest increments RequestsTotal for the given outcome.
func (m *PipelineMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordStageDuration observes one stage's latency in seconds.
func (m *PipelineMetrics) RecordStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordAgreementScore observes the consensus engine's agreement score.
func (m *PipelineMetrics) RecordAgreementScore(score float64) {
	if m == nil {
		return
	}
	m.ConsensusAgreementScore.Observe(score)
}

// RecordGraphDegraded increments GraphDegradedTotal.
func (m *PipelineMetrics) RecordGraphDegraded() {
	if m == nil {
		return
	}
	m.GraphDegradedTotal.Inc()
}

// RecordError increments ErrorsTotal for the given stage and error kind.
func (m *PipelineMetrics) RecordError(stage, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage, kind).Inc()
}
