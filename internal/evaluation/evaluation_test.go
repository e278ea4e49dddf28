// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/medgraph/internal/pipeline"
)

var errBoom = errors.New("boom")

type mockWriteAPI struct {
	writePointFunc func(ctx context.Context, point ...*write.Point) error
	writtenPoints  []*write.Point
}

func (m *mockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.writtenPoints = append(m.writtenPoints, point...)
	if m.writePointFunc != nil {
		return m.writePointFunc(ctx, point...)
	}
	return nil
}

func (m *mockWriteAPI) WriteRecord(ctx context.Context, line ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                                      {}
func (m *mockWriteAPI) Flush(ctx context.Context) error                      { return nil }

func TestFromResultCopiesEvaluationAndTimings(t *testing.T) {
	result := pipeline.Result{
		ImageID: "IMG_001",
		Evaluation: pipeline.Evaluation{
			AgreementScore: 0.82,
			Confidence:     "high",
			CtxPathsLen:    3,
			Status:         "ok",
		},
		Timings: pipeline.Timings{VLMMS: 10, UpsertMS: 20, ContextMS: 30, LLMVMS: 40, LLMVLMS: 50, LLMVGLMS: 60},
	}

	p := FromResult("CASE_1", result)
	assert.Equal(t, "IMG_001", p.ImageID)
	assert.Equal(t, "CASE_1", p.CaseID)
	assert.Equal(t, 0.82, p.AgreementScore)
	assert.Equal(t, "high", p.Confidence)
	assert.Equal(t, 3, p.CtxPathsLen)
	assert.Equal(t, 10, p.VLMMS)
	assert.Equal(t, 20, p.UpsertMS)
	assert.Equal(t, 30, p.ContextMS)
	assert.Equal(t, 40, p.LLMVMS)
	assert.Equal(t, 50, p.LLMVLMS)
	assert.Equal(t, 60, p.LLMVGLMS)
}

func TestWritePointSendsOnePoint(t *testing.T) {
	mock := &mockWriteAPI{}
	w := &Writer{writeAPI: mock}

	err := w.WritePoint(context.Background(), Point{
		ImageID: "IMG_001", CaseID: "CASE_1", AgreementScore: 0.75, Confidence: "moderate",
		CtxPathsLen: 2, Status: "ok",
	})
	require.NoError(t, err)
	require.Len(t, mock.writtenPoints, 1)
}

func TestWritePointPropagatesWriteError(t *testing.T) {
	mock := &mockWriteAPI{writePointFunc: func(ctx context.Context, point ...*write.Point) error {
		return errBoom
	}}
	w := &Writer{writeAPI: mock}

	err := w.WritePoint(context.Background(), Point{ImageID: "IMG_001"})
	assert.Error(t, err)
}
