// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debugtrace assembles the optional "debug" blob returned alongside
// an analyze response, keeping the orchestrator's own code free of the
// bookkeeping needed to build it. A Builder no-ops entirely when debug
// logging is disabled, so call sites never need their own enabled checks.
package debugtrace

// Builder accumulates the debug payload across an analyze request's stages.
// It is not safe for concurrent use; one Builder belongs to one request.
type Builder struct {
	enabled bool
	payload map[string]any
}

// New constructs a Builder. When enabled is false every Record*/SetStage
// call is a no-op and Payload always returns an empty map.
func New(enabled bool) *Builder {
	b := &Builder{enabled: enabled}
	if enabled {
		b.payload = map[string]any{"stage": "init"}
	}
	return b
}

// SetStage records which orchestration stage is currently executing, so a
// request that errors mid-flight still reports where it got to.
func (b *Builder) SetStage(stage string) {
	if !b.enabled {
		return
	}
	b.payload["stage"] = stage
}

// IdentityRecord carries the C2 identity/fallback bookkeeping recorded once
// the normalised image has been resolved against the graph and the finding
// fallback chain has run.
type IdentityRecord struct {
	ImageID          string
	ImageIDSource    string
	Modality         string
	Path             string
	StorageURI       string
	LookupHit        bool
	LookupSource     string
	WarnOnLookupMiss bool
	FallbackMeta     map[string]any
	FindingSource    string
	SeededFindingIDs []string
	Provenance       map[string]any
	PreUpsertCount   int
	PreUpsertHead    []map[string]any
	ReportConfidence *float64
}

// RecordIdentity folds an IdentityRecord into the payload under the
// pre_upsert stage.
func (b *Builder) RecordIdentity(r IdentityRecord) {
	if !b.enabled {
		return
	}
	b.payload["stage"] = "pre_upsert"
	b.payload["normalized_image"] = map[string]any{
		"image_id": r.ImageID,
		"path":     r.Path,
		"modality": r.Modality,
	}
	b.payload["norm_image_id"] = r.ImageID
	b.payload["norm_image_id_source"] = r.ImageIDSource
	if r.StorageURI != "" {
		b.payload["storage_uri"] = r.StorageURI
	}
	b.payload["dummy_lookup_hit"] = r.LookupHit
	if r.LookupSource != "" {
		b.payload["dummy_lookup_source"] = r.LookupSource
	}
	if r.WarnOnLookupMiss {
		b.payload["norm_image_id_warning"] = "dummy_lookup_miss"
	}
	fallbackPayload := map[string]any{}
	for k, v := range r.FallbackMeta {
		fallbackPayload[k] = v
	}
	if len(r.SeededFindingIDs) > 0 {
		if _, ok := fallbackPayload["seeded_ids_head"]; !ok {
			fallbackPayload["seeded_ids_head"] = headStrings(r.SeededFindingIDs, 3)
		}
	}
	b.payload["finding_fallback"] = fallbackPayload
	if r.FindingSource != "" {
		b.payload["finding_source"] = r.FindingSource
	}
	b.payload["seeded_finding_ids"] = append([]string{}, r.SeededFindingIDs...)
	b.payload["finding_provenance"] = r.Provenance
	b.payload["pre_upsert_findings_len"] = r.PreUpsertCount
	b.payload["pre_upsert_findings_head"] = headMaps(r.PreUpsertHead, 2)
	b.payload["pre_upsert_report_conf"] = r.ReportConfidence
}

// RecordUpsert folds the graph upsert receipt into the payload under the
// post_upsert stage. verifiedIDs is nil when the caller skipped the
// verification re-query.
func (b *Builder) RecordUpsert(receipt map[string]any, findingIDs []string, verifiedIDs []string) {
	if !b.enabled {
		return
	}
	b.payload["stage"] = "post_upsert"
	b.payload["upsert_receipt"] = receipt
	b.payload["post_upsert_finding_ids"] = append([]string{}, findingIDs...)
	if verifiedIDs != nil {
		b.payload["post_upsert_verified_ids"] = append([]string{}, verifiedIDs...)
	}
}

// ContextRecord carries the C4/similarity stage bookkeeping.
type ContextRecord struct {
	ContextSummary                any
	FindingsLen                    int
	FindingsHead                   []map[string]any
	PathsLen                       int
	PathsHead                      []map[string]any
	TotalTriples                   int
	GraphPathsStrength             float64
	SlotLimits                     map[string]int
	SimilarSeedImages              []map[string]any
	SimilarityEdgesCreated         int
	SimilarityThreshold            *float64
	SimilarityCandidatesConsidered int
	GraphDegraded                  bool
	ContextFallbackUsed            bool
	ContextFallbackPathCount       int
	RetriedFindings                bool
}

// RecordContext folds a ContextRecord into the payload under the context
// stage.
func (b *Builder) RecordContext(r ContextRecord) {
	if !b.enabled {
		return
	}
	b.payload["stage"] = "context"
	b.payload["context_summary"] = r.ContextSummary
	b.payload["context_findings_len"] = r.FindingsLen
	b.payload["context_findings_head"] = headMaps(r.FindingsHead, 2)
	b.payload["context_paths_len"] = r.PathsLen
	b.payload["context_paths_head"] = headMaps(r.PathsHead, 2)
	b.payload["context_paths_triple_total"] = r.TotalTriples
	b.payload["graph_paths_strength"] = r.GraphPathsStrength
	b.payload["context_slot_limits"] = r.SlotLimits
	b.payload["slot_meta"] = map[string]any{"retried_findings": r.RetriedFindings}
	b.payload["similar_seed_images"] = append([]map[string]any{}, r.SimilarSeedImages...)
	b.payload["similarity_edges_created"] = r.SimilarityEdgesCreated
	b.payload["similarity_threshold"] = r.SimilarityThreshold
	b.payload["similarity_candidates_considered"] = r.SimilarityCandidatesConsidered
	if r.GraphDegraded {
		b.payload["graph_degraded"] = true
	}
	if r.ContextFallbackUsed {
		b.payload["context_fallback_used"] = true
		b.payload["context_fallback_path_count"] = r.ContextFallbackPathCount
	}
}

// RecordConsensus folds the consensus result into the payload.
func (b *Builder) RecordConsensus(consensus map[string]any) {
	if !b.enabled {
		return
	}
	b.payload["consensus"] = consensus
}

// RecordEvaluation folds the final evaluation payload into the payload.
func (b *Builder) RecordEvaluation(evaluation map[string]any) {
	if !b.enabled {
		return
	}
	b.payload["evaluation"] = evaluation
}

// Payload returns a shallow copy of the accumulated debug blob, or an empty
// map when the builder is disabled.
func (b *Builder) Payload() map[string]any {
	if !b.enabled {
		return map[string]any{}
	}
	out := make(map[string]any, len(b.payload))
	for k, v := range b.payload {
		out[k] = v
	}
	return out
}

func headStrings(values []string, n int) []string {
	if len(values) <= n {
		return append([]string{}, values...)
	}
	return append([]string{}, values[:n]...)
}

func headMaps(values []map[string]any, n int) []map[string]any {
	if len(values) <= n {
		return append([]map[string]any{}, values...)
	}
	return append([]map[string]any{}, values[:n]...)
}
