// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memstore

import (
	"context"
	"testing"

	"github.com/AleutianAI/medgraph/internal/graphstore"
)

func samplePayload(storageURI string, conf float64) graphstore.UpsertPayload {
	size := 1.2
	return graphstore.UpsertPayload{
		CaseID: "case-1",
		Image:  graphstore.Image{ImageID: "IMG_001", StorageURI: storageURI, Modality: "CT"},
		Report: graphstore.Report{ID: "rep-1", Text: "small nodule", Conf: 0.8},
		Findings: []graphstore.Finding{
			{Type: "nodule", Location: "RUL", SizeCM: &size, Conf: conf},
		},
	}
}

func TestUpsertCaseIsIdempotentByStorageURI(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertCase(ctx, samplePayload("s3://bucket/img001.png", 0.9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.UpsertCase(ctx, samplePayload("s3://bucket/img001.png", 0.95))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ImageID != second.ImageID {
		t.Fatalf("expected same image id across repeated upserts, got %q vs %q", first.ImageID, second.ImageID)
	}

	bundle, err := s.QueryBundle(ctx, first.ImageID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.Findings) != 1 {
		t.Fatalf("expected a single deduped finding, got %d", len(bundle.Findings))
	}
}

func TestUpsertCaseRejectsNonCanonicalFinding(t *testing.T) {
	s := New()
	payload := samplePayload("s3://bucket/img002.png", 0.5)
	payload.Findings[0].Type = "not-a-real-type"
	if _, err := s.UpsertCase(context.Background(), payload); err == nil {
		t.Fatalf("expected non-canonical type to be rejected")
	}
}

func TestQueryPathsRanksByScoreThenRecency(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.UpsertCase(ctx, samplePayload("s3://bucket/img003.png", 0.9)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	paths, err := s.QueryPaths(ctx, graphstore.PathQuery{ImageID: "IMG_001", K: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(paths))
	}
	if paths[0].Score <= 0 {
		t.Fatalf("expected a positive composite score, got %v", paths[0].Score)
	}
}

func TestFetchFindingIDsReturnsAttachedFindings(t *testing.T) {
	s := New()
	ctx := context.Background()
	result, err := s.UpsertCase(ctx, samplePayload("s3://bucket/img004.png", 0.6))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids, err := s.FetchFindingIDs(ctx, result.ImageID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != result.FindingIDs[0] {
		t.Fatalf("unexpected finding ids: %+v", ids)
	}
}

func TestFetchSimilarityCandidatesExcludesSelf(t *testing.T) {
	s := New()
	ctx := context.Background()

	p1 := samplePayload("s3://bucket/img005.png", 0.6)
	p1.Image.ImageID = "IMG_005"
	p2 := samplePayload("s3://bucket/img006.png", 0.7)
	p2.Image.ImageID = "IMG_006"

	if _, err := s.UpsertCase(ctx, p1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.UpsertCase(ctx, p2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	candidates, err := s.FetchSimilarityCandidates(ctx, "IMG_005")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ImageID != "IMG_006" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestSyncSimilarityEdgesReturnsCount(t *testing.T) {
	s := New()
	n, err := s.SyncSimilarityEdges(context.Background(), "IMG_005", []graphstore.SimilarityEdge{
		{TargetImageID: "IMG_006", Score: 0.5},
		{TargetImageID: "IMG_007", Score: 0.4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 edges synced, got %d", n)
	}
}
