// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore is an in-process, map-backed graphstore.Repository used
// by unit tests and by medgraphctl replay to exercise the pipeline without
// a live Weaviate instance.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/AleutianAI/medgraph/internal/graphstore"
)

type caseNode struct {
	id string
}

type imageNode struct {
	storageURI string
	graphstore.Image
	caseID         string
	reportID       string
	findingIDs     []string
	idempotencyKey string
}

// Store is a concurrency-safe, in-memory implementation of
// graphstore.Repository. The zero value is not usable; construct with New.
type Store struct {
	mu sync.RWMutex

	images         map[string]*imageNode // image_id -> node
	byStorageURI   map[string]string     // storage_uri -> image_id
	cases          map[string]*caseNode
	reports        map[string]graphstore.Report
	findings       map[string]graphstore.Finding // finding_id -> finding
	findingsByImg  map[string][]string           // image_id -> finding ids, insertion order
	idempotency    map[string]string             // idempotency_key -> image_id
	similarEdges   map[string]map[string]float64 // image_id -> target_id -> score
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		images:        make(map[string]*imageNode),
		byStorageURI:  make(map[string]string),
		cases:         make(map[string]*caseNode),
		reports:       make(map[string]graphstore.Report),
		findings:      make(map[string]graphstore.Finding),
		findingsByImg: make(map[string][]string),
		idempotency:   make(map[string]string),
		similarEdges:  make(map[string]map[string]float64),
	}
}

var _ graphstore.Repository = (*Store)(nil)

// UpsertCase merges nodes/edges in-memory. Repeated calls for the same
// StorageURI converge on the image_id already registered for it, matching
// the idempotent-MERGE behaviour of UPSERT_CASE_QUERY.
func (s *Store) UpsertCase(ctx context.Context, payload graphstore.UpsertPayload) (graphstore.UpsertResult, error) {
	prepared, err := graphstore.PrepareUpsert(payload)
	if err != nil {
		return graphstore.UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imageID := prepared.Image.ImageID
	if prepared.Image.StorageURI != "" {
		if existing, ok := s.byStorageURI[prepared.Image.StorageURI]; ok {
			imageID = existing
		} else {
			s.byStorageURI[prepared.Image.StorageURI] = imageID
		}
	}

	s.cases[prepared.CaseID] = &caseNode{id: prepared.CaseID}

	node, ok := s.images[imageID]
	if !ok {
		node = &imageNode{}
		s.images[imageID] = node
	}
	node.Image = prepared.Image
	node.Image.ImageID = imageID
	node.storageURI = prepared.Image.StorageURI
	node.caseID = prepared.CaseID

	if prepared.Report.ID != "" {
		s.reports[prepared.Report.ID] = prepared.Report
		node.reportID = prepared.Report.ID
	}

	ids := make([]string, 0, len(prepared.Findings))
	for _, f := range prepared.Findings {
		s.findings[f.ID] = f
		if !containsString(node.findingIDs, f.ID) {
			node.findingIDs = append(node.findingIDs, f.ID)
		}
		ids = append(ids, f.ID)
	}
	s.findingsByImg[imageID] = node.findingIDs

	if prepared.IdempotencyKey != "" {
		s.idempotency[prepared.IdempotencyKey] = imageID
		node.idempotencyKey = prepared.IdempotencyKey
	}

	return graphstore.UpsertResult{ImageID: imageID, FindingIDs: ids}, nil
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// FetchFindingIDs returns the finding ids currently attached to imageID.
func (s *Store) FetchFindingIDs(ctx context.Context, imageID string, expected []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.images[imageID]
	if !ok {
		return nil, nil
	}
	out := make([]string, len(node.findingIDs))
	copy(out, node.findingIDs)
	return out, nil
}

// QueryBundle returns the per-relation edge summary and flattened facts
// for imageID.
func (s *Store) QueryBundle(ctx context.Context, imageID string) (graphstore.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.images[imageID]
	if !ok {
		return graphstore.Bundle{ImageID: imageID}, nil
	}

	bundle := graphstore.Bundle{ImageID: imageID}
	if len(node.findingIDs) > 0 {
		var total float64
		facts := make([]graphstore.Fact, 0, len(node.findingIDs))
		for _, id := range node.findingIDs {
			f := s.findings[id]
			total += f.Conf
			facts = append(facts, graphstore.Fact{Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: f.Conf})
		}
		bundle.Findings = facts
		bundle.Summary = append(bundle.Summary, graphstore.EdgeSummary{
			Relation: "HAS_FINDING",
			Count:    len(node.findingIDs),
			AvgConf:  round2(total / float64(len(node.findingIDs))),
		})
	}
	if node.reportID != "" {
		rep := s.reports[node.reportID]
		bundle.Summary = append(bundle.Summary, graphstore.EdgeSummary{
			Relation: "DESCRIBED_BY",
			Count:    1,
			AvgConf:  round2(rep.Conf),
		})
	}
	return bundle, nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// QueryPaths scores every (finding, report) pair attached to q.ImageID and
// returns the top q.K by the configured weights, tie-broken by the most
// recent report timestamp, newest first.
func (s *Store) QueryPaths(ctx context.Context, q graphstore.PathQuery) ([]graphstore.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	weights := q.Weights
	if weights == (graphstore.PathWeights{}) {
		weights = graphstore.DefaultPathWeights
	}

	node, ok := s.images[q.ImageID]
	if !ok {
		return nil, nil
	}
	var report graphstore.Report
	if node.reportID != "" {
		report = s.reports[node.reportID]
	}

	paths := make([]graphstore.Path, 0, len(node.findingIDs))
	for _, id := range node.findingIDs {
		f := s.findings[id]
		locConf := 0.5
		repConf := 0.5
		if node.reportID != "" {
			repConf = report.Conf
		}
		score := weights.Finding*f.Conf + weights.Location*locConf + weights.Report*repConf
		paths = append(paths, graphstore.Path{
			Finding: f,
			Anatomy: f.Location,
			Report:  report,
			Score:   score,
			Slot:    "findings",
			Ts:      report.TS,
		})
	}
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Score != paths[j].Score {
			return paths[i].Score > paths[j].Score
		}
		return paths[i].Ts > paths[j].Ts
	})

	k := len(paths)
	if q.K > 0 && q.K < k {
		k = q.K
	}
	if budget, ok := q.SlotBudgets["findings"]; ok && budget >= 0 && budget < k {
		k = budget
	}
	return paths[:k], nil
}

// FetchSimilarityCandidates returns every other image with at least one
// finding, as a simple "everyone is a candidate" policy suitable for tests
// and replay; the Weaviate adapter applies the same policy.
func (s *Store) FetchSimilarityCandidates(ctx context.Context, imageID string) ([]graphstore.SimilarityCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]graphstore.SimilarityCandidate, 0)
	for id, node := range s.images {
		if id == imageID || len(node.findingIDs) == 0 {
			continue
		}
		facts := make([]graphstore.Fact, 0, len(node.findingIDs))
		for _, fid := range node.findingIDs {
			f := s.findings[fid]
			facts = append(facts, graphstore.Fact{Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: f.Conf})
		}
		out = append(out, graphstore.SimilarityCandidate{ImageID: id, Modality: node.Modality, Findings: facts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out, nil
}

// SyncSimilarityEdges replaces the stored SIMILAR_TO edges for imageID.
func (s *Store) SyncSimilarityEdges(ctx context.Context, imageID string, edges []graphstore.SimilarityEdge) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]float64, len(edges))
	for _, e := range edges {
		m[e.TargetImageID] = e.Score
	}
	s.similarEdges[imageID] = m
	return len(m), nil
}

// Healthy always succeeds; there is no remote dependency to probe.
func (s *Store) Healthy(ctx context.Context) error { return nil }
