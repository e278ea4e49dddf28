// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *PipelineMetrics {
	t.Helper()
	return NewPipelineMetrics(prometheus.NewRegistry())
}

func TestRecordRequestIncrementsByOutcome(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRequest("ok")
	m.RecordRequest("ok")
	m.RecordRequest("degraded")

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 ok requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("degraded")); got != 1 {
		t.Fatalf("expected 1 degraded request, got %v", got)
	}
}

func TestRecordGraphDegradedIncrements(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordGraphDegraded()
	m.RecordGraphDegraded()

	if got := testutil.ToFloat64(m.GraphDegradedTotal); got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestRecordErrorLabelsByStageAndKind(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError("vlm", "stage_failure")
	m.RecordError("upsert", "upsert_mismatch")

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("vlm", "stage_failure")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("upsert", "upsert_mismatch")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestNilPipelineMetricsRecordMethodsAreNoOps(t *testing.T) {
	var m *PipelineMetrics
	m.RecordRequest("ok")
	m.RecordStageDuration("vlm", 0.2)
	m.RecordAgreementScore(0.7)
	m.RecordGraphDegraded()
	m.RecordError("vlm", "stage_failure")
}
