// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluation writes one InfluxDB point per analyze request when a
// timeseries sink is configured, supporting longitudinal dashboards over
// agreement score, confidence, and stage latency. It is read-only
// observability plumbing, not a training or batch-evaluation feature.
package evaluation

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/medgraph/internal/pipeline"
)

// Point is one analyze request's evaluation summary, independent of the
// pipeline.Result type it is derived from so callers can write a point
// without holding a full Result in hand (e.g. from a replayed request).
type Point struct {
	ImageID        string
	CaseID         string
	AgreementScore float64
	Confidence     string
	CtxPathsLen    int
	Status         string
	VLMMS          int
	UpsertMS       int
	ContextMS      int
	LLMVMS         int
	LLMVLMS        int
	LLMVGLMS       int
}

// FromResult builds a Point from a pipeline.Result.
func FromResult(caseID string, r pipeline.Result) Point {
	return Point{
		ImageID:        r.ImageID,
		CaseID:         caseID,
		AgreementScore: r.Evaluation.AgreementScore,
		Confidence:     r.Evaluation.Confidence,
		CtxPathsLen:    r.Evaluation.CtxPathsLen,
		Status:         r.Evaluation.Status,
		VLMMS:          r.Timings.VLMMS,
		UpsertMS:       r.Timings.UpsertMS,
		ContextMS:      r.Timings.ContextMS,
		LLMVMS:         r.Timings.LLMVMS,
		LLMVLMS:        r.Timings.LLMVLMS,
		LLMVGLMS:       r.Timings.LLMVGLMS,
	}
}

// Writer writes Points to an InfluxDB bucket. The zero value is not usable;
// construct with NewWriter.
type Writer struct {
	writeAPI api.WriteAPIBlocking
	client   influxdb2.Client
}

// NewWriter opens an InfluxDB client against url/token and returns a Writer
// bound to org/bucket. Callers should defer Close.
func NewWriter(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{client: client, writeAPI: client.WriteAPIBlocking(org, bucket)}
}

// Close releases the underlying InfluxDB client's resources.
func (w *Writer) Close() {
	w.client.Close()
}

// WritePoint writes one evaluation point, tagged by image_id and case_id.
func (w *Writer) WritePoint(ctx context.Context, p Point) error {
	point := influxdb2.NewPoint(
		"analyze_evaluation",
		map[string]string{
			"image_id": p.ImageID,
			"case_id":  p.CaseID,
			"status":   p.Status,
		},
		map[string]interface{}{
			"agreement_score": p.AgreementScore,
			"confidence":      p.Confidence,
			"ctx_paths_len":   p.CtxPathsLen,
			"vlm_ms":          p.VLMMS,
			"upsert_ms":       p.UpsertMS,
			"context_ms":      p.ContextMS,
			"llm_v_ms":        p.LLMVMS,
			"llm_vl_ms":       p.LLMVLMS,
			"llm_vgl_ms":      p.LLMVGLMS,
		},
		time.Now(),
	)
	if err := w.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("evaluation: write point: %w", err)
	}
	return nil
}
