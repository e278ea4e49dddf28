// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

var tracer = otel.Tracer("medgraph.graphstore")

// objectNamespace seeds the deterministic per-class object UUIDs so that
// repeated upserts of the same natural key (case_id, image_id, report_id,
// finding_id) land on the same Weaviate object, mirroring Neo4j's
// MERGE-by-key semantics that UPSERT_CASE_QUERY relies on.
var objectNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("medgraph.graphstore"))

func objectID(class, key string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(class+"|"+key)).String())
}

// WeaviateConfig configures a weaviateRepository.
type WeaviateConfig struct {
	Host   string
	Scheme string
}

// weaviateRepository implements Repository over a Weaviate instance,
// translating the Cypher-shaped upsert/query operations into Weaviate
// object upserts and GraphQL Get calls against the Case, Image,
// Report, and Finding classes, using cross-references in place of graph
// edges since Weaviate has no native Cypher.
type weaviateRepository struct {
	client *weaviate.Client
}

// NewWeaviateRepository constructs a Repository backed by the Weaviate
// instance at cfg.Host. It does not ensure the schema exists; call
// EnsureSchema once at startup.
func NewWeaviateRepository(cfg WeaviateConfig) (Repository, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("graphstore: create weaviate client: %w", err)
	}
	return &weaviateRepository{client: client}, nil
}

var _ Repository = (*weaviateRepository)(nil)

func beacon(class, id string) map[string]interface{} {
	return map[string]interface{}{"beacon": fmt.Sprintf("weaviate://localhost/%s/%s", class, id)}
}

// UpsertCase canonicalises findings, then upserts Case/Image/Report/Finding
// objects keyed by their natural ids and links them with cross-reference
// beacons for HAS_IMAGE, DESCRIBED_BY, and HAS_FINDING. When an Image
// object already holds the payload's storage_uri, its image_id is reused,
// so repeated upserts of one storage_uri converge on a single Image object.
func (r *weaviateRepository) UpsertCase(ctx context.Context, payload UpsertPayload) (UpsertResult, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.UpsertCase")
	defer span.End()

	prepared, err := PrepareUpsert(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return UpsertResult{}, err
	}
	if prepared.Image.StorageURI != "" {
		existing, err := r.client.GraphQL().Get().
			WithClassName("Image").
			WithWhere(filters.Where().WithPath([]string{"storage_uri"}).WithOperator(filters.Equal).WithValueString(prepared.Image.StorageURI)).
			WithFields(graphql.Field{Name: "image_id"}).
			WithLimit(1).
			Do(ctx)
		if err == nil {
			type row struct {
				ImageID string `json:"image_id"`
			}
			if rows, derr := decodeRows[row](existing, "Image"); derr == nil && len(rows) > 0 && rows[0].ImageID != "" {
				prepared.Image.ImageID = rows[0].ImageID
			}
		}
	}
	span.SetAttributes(attribute.String("graphstore.image_id", prepared.Image.ImageID))

	caseUUID := objectID("Case", prepared.CaseID)
	imageUUID := objectID("Image", prepared.Image.ImageID)

	if err := r.upsertObject(ctx, "Case", caseUUID, map[string]interface{}{
		"case_id":  prepared.CaseID,
		"hasImage": []map[string]interface{}{beacon("Image", imageUUID.String())},
	}); err != nil {
		return UpsertResult{}, err
	}

	imageProps := map[string]interface{}{
		"image_id":    prepared.Image.ImageID,
		"path":        prepared.Image.Path,
		"modality":    prepared.Image.Modality,
		"storage_uri": prepared.Image.StorageURI,
	}
	if prepared.IdempotencyKey != "" {
		imageProps["idempotency_key"] = prepared.IdempotencyKey
	}

	var reportUUID strfmt.UUID
	if prepared.Report.ID != "" {
		reportUUID = objectID("Report", prepared.Report.ID)
		if err := r.upsertObject(ctx, "Report", reportUUID, map[string]interface{}{
			"report_id": prepared.Report.ID,
			"text":      prepared.Report.Text,
			"model":     prepared.Report.Model,
			"conf":      prepared.Report.Conf,
			"ts":        prepared.Report.TS,
		}); err != nil {
			return UpsertResult{}, err
		}
		imageProps["describedBy"] = []map[string]interface{}{beacon("Report", reportUUID.String())}
	}

	findingIDs := make([]string, 0, len(prepared.Findings))
	findingBeacons := make([]map[string]interface{}, 0, len(prepared.Findings))
	for _, f := range prepared.Findings {
		fUUID := objectID("Finding", f.ID)
		findingProps := map[string]interface{}{
			"finding_id": f.ID,
			"type":       f.Type,
			"location":   f.Location,
			"conf":       f.Conf,
		}
		if f.SizeCM != nil {
			findingProps["size_cm"] = *f.SizeCM
		}
		if err := r.upsertObject(ctx, "Finding", fUUID, findingProps); err != nil {
			return UpsertResult{}, err
		}
		findingIDs = append(findingIDs, f.ID)
		findingBeacons = append(findingBeacons, beacon("Finding", fUUID.String()))
	}
	if len(findingBeacons) > 0 {
		imageProps["hasFinding"] = findingBeacons
	}

	if err := r.upsertObject(ctx, "Image", imageUUID, imageProps); err != nil {
		return UpsertResult{}, err
	}

	return UpsertResult{ImageID: prepared.Image.ImageID, FindingIDs: findingIDs}, nil
}

// upsertObject creates id if absent, otherwise overwrites its properties.
// This stands in for Cypher's MERGE ... SET: the UUID is deterministic
// from the natural key, so "create" and "update" both converge on the
// same object.
func (r *weaviateRepository) upsertObject(ctx context.Context, class string, id strfmt.UUID, props map[string]interface{}) error {
	exists, err := r.client.Data().Checker().WithClassName(class).WithID(id.String()).Do(ctx)
	if err == nil && exists {
		return r.client.Data().Updater().
			WithClassName(class).
			WithID(id.String()).
			WithProperties(props).
			Do(ctx)
	}
	_, err = r.client.Data().Creator().
		WithClassName(class).
		WithID(id.String()).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("graphstore: create %s %s: %w", class, id, err)
	}
	return nil
}

// FetchFindingIDs re-queries the finding_id values attached to imageID via
// the hasFinding cross-reference.
func (r *weaviateRepository) FetchFindingIDs(ctx context.Context, imageID string, expected []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.FetchFindingIDs")
	defer span.End()

	resp, err := r.getImageByID(ctx, imageID, []graphql.Field{
		{Name: "hasFinding", Fields: []graphql.Field{
			{Name: "... on Finding", Fields: []graphql.Field{{Name: "finding_id"}}},
		}},
	})
	if err != nil {
		return nil, err
	}
	type row struct {
		HasFinding []struct {
			FindingID string `json:"finding_id"`
		} `json:"hasFinding"`
	}
	rows, err := decodeImageRows[row](resp)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	ids := make([]string, 0, len(rows[0].HasFinding))
	for _, f := range rows[0].HasFinding {
		ids = append(ids, f.FindingID)
	}
	return ids, nil
}

// QueryBundle returns the per-relation edge summary plus the flattened
// facts list for imageID.
func (r *weaviateRepository) QueryBundle(ctx context.Context, imageID string) (Bundle, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.QueryBundle")
	defer span.End()

	resp, err := r.getImageByID(ctx, imageID, []graphql.Field{
		{Name: "hasFinding", Fields: []graphql.Field{
			{Name: "... on Finding", Fields: []graphql.Field{
				{Name: "type"}, {Name: "location"}, {Name: "size_cm"}, {Name: "conf"},
			}},
		}},
		{Name: "describedBy", Fields: []graphql.Field{
			{Name: "... on Report", Fields: []graphql.Field{{Name: "conf"}}},
		}},
	})
	if err != nil {
		return Bundle{}, err
	}

	type findingRow struct {
		Type     string   `json:"type"`
		Location string   `json:"location"`
		SizeCM   *float64 `json:"size_cm"`
		Conf     float64  `json:"conf"`
	}
	type reportRow struct {
		Conf float64 `json:"conf"`
	}
	type row struct {
		HasFinding  []findingRow `json:"hasFinding"`
		DescribedBy []reportRow  `json:"describedBy"`
	}
	rows, err := decodeImageRows[row](resp)
	if err != nil {
		return Bundle{}, err
	}
	bundle := Bundle{ImageID: imageID}
	if len(rows) == 0 {
		return bundle, nil
	}

	facts := make([]Fact, 0, len(rows[0].HasFinding))
	var findingConfTotal float64
	for _, f := range rows[0].HasFinding {
		facts = append(facts, Fact{Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: f.Conf})
		findingConfTotal += f.Conf
	}
	bundle.Findings = facts
	if len(facts) > 0 {
		bundle.Summary = append(bundle.Summary, EdgeSummary{
			Relation: "HAS_FINDING", Count: len(facts), AvgConf: round2(findingConfTotal / float64(len(facts))),
		})
	}
	if len(rows[0].DescribedBy) > 0 {
		var reportConfTotal float64
		for _, rep := range rows[0].DescribedBy {
			reportConfTotal += rep.Conf
		}
		bundle.Summary = append(bundle.Summary, EdgeSummary{
			Relation: "DESCRIBED_BY", Count: len(rows[0].DescribedBy), AvgConf: round2(reportConfTotal / float64(len(rows[0].DescribedBy))),
		})
	}
	return bundle, nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// QueryPaths scores every (finding, report) pair attached to q.ImageID and
// returns the top q.K, applying per-slot budgets when set.
func (r *weaviateRepository) QueryPaths(ctx context.Context, q PathQuery) ([]Path, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.QueryPaths")
	defer span.End()

	weights := q.Weights
	if weights == (PathWeights{}) {
		weights = DefaultPathWeights
	}

	resp, err := r.getImageByID(ctx, q.ImageID, []graphql.Field{
		{Name: "hasFinding", Fields: []graphql.Field{
			{Name: "... on Finding", Fields: []graphql.Field{
				{Name: "finding_id"}, {Name: "type"}, {Name: "location"}, {Name: "size_cm"}, {Name: "conf"},
			}},
		}},
		{Name: "describedBy", Fields: []graphql.Field{
			{Name: "... on Report", Fields: []graphql.Field{
				{Name: "report_id"}, {Name: "text"}, {Name: "model"}, {Name: "conf"}, {Name: "ts"},
			}},
		}},
	})
	if err != nil {
		return nil, err
	}

	type findingRow struct {
		FindingID string   `json:"finding_id"`
		Type      string   `json:"type"`
		Location  string   `json:"location"`
		SizeCM    *float64 `json:"size_cm"`
		Conf      float64  `json:"conf"`
	}
	type reportRow struct {
		ReportID string  `json:"report_id"`
		Text     string  `json:"text"`
		Model    string  `json:"model"`
		Conf     float64 `json:"conf"`
		TS       string  `json:"ts"`
	}
	type row struct {
		HasFinding  []findingRow `json:"hasFinding"`
		DescribedBy []reportRow  `json:"describedBy"`
	}
	rows, err := decodeImageRows[row](resp)
	if err != nil || len(rows) == 0 {
		return nil, err
	}

	var report Report
	if len(rows[0].DescribedBy) > 0 {
		rr := rows[0].DescribedBy[0]
		report = Report{ID: rr.ReportID, Text: rr.Text, Model: rr.Model, Conf: rr.Conf, TS: rr.TS}
	}

	paths := make([]Path, 0, len(rows[0].HasFinding))
	for _, f := range rows[0].HasFinding {
		locConf, repConf := 0.5, 0.5
		if report.ID != "" {
			repConf = report.Conf
		}
		score := weights.Finding*f.Conf + weights.Location*locConf + weights.Report*repConf
		paths = append(paths, Path{
			Finding: Finding{ID: f.FindingID, Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: f.Conf},
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

// FetchSimilarityCandidates returns every other Image object with at least
// one finding, ordered by image_id for determinism.
func (r *weaviateRepository) FetchSimilarityCandidates(ctx context.Context, imageID string) ([]SimilarityCandidate, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.FetchSimilarityCandidates")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"image_id"}).
		WithOperator(filters.NotEqual).
		WithValueString(imageID)

	resp, err := r.client.GraphQL().Get().
		WithClassName("Image").
		WithWhere(where).
		WithFields(
			graphql.Field{Name: "image_id"},
			graphql.Field{Name: "modality"},
			graphql.Field{Name: "hasFinding", Fields: []graphql.Field{
				{Name: "... on Finding", Fields: []graphql.Field{
					{Name: "type"}, {Name: "location"}, {Name: "size_cm"}, {Name: "conf"},
				}},
			}},
		).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("graphstore: fetch similarity candidates: %w", err)
	}

	type findingRow struct {
		Type     string   `json:"type"`
		Location string   `json:"location"`
		SizeCM   *float64 `json:"size_cm"`
		Conf     float64  `json:"conf"`
	}
	type imageRow struct {
		ImageID    string       `json:"image_id"`
		Modality   string       `json:"modality"`
		HasFinding []findingRow `json:"hasFinding"`
	}
	rows, err := decodeRows[imageRow](resp, "Image")
	if err != nil {
		return nil, err
	}

	out := make([]SimilarityCandidate, 0, len(rows))
	for _, row := range rows {
		if len(row.HasFinding) == 0 {
			continue
		}
		facts := make([]Fact, 0, len(row.HasFinding))
		for _, f := range row.HasFinding {
			facts = append(facts, Fact{Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: f.Conf})
		}
		out = append(out, SimilarityCandidate{ImageID: row.ImageID, Modality: row.Modality, Findings: facts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out, nil
}

// SyncSimilarityEdges overwrites the similarTo cross-reference on imageID
// with the given scored edges. Weaviate cross-references carry no scalar
// payload of their own, so only the edge set is persisted and each edge's
// score is dropped from the graph.
func (r *weaviateRepository) SyncSimilarityEdges(ctx context.Context, imageID string, edges []SimilarityEdge) (int, error) {
	ctx, span := tracer.Start(ctx, "weaviateRepository.SyncSimilarityEdges")
	defer span.End()

	imageUUID := objectID("Image", imageID)
	beacons := make([]map[string]interface{}, 0, len(edges))
	for _, e := range edges {
		beacons = append(beacons, beacon("Image", objectID("Image", e.TargetImageID).String()))
	}
	err := r.client.Data().Updater().
		WithClassName("Image").
		WithID(imageUUID.String()).
		WithProperties(map[string]interface{}{"similarTo": beacons}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("graphstore: sync similarity edges: %w", err)
	}
	return len(edges), nil
}

// Healthy checks that the Image class is reachable.
func (r *weaviateRepository) Healthy(ctx context.Context) error {
	_, err := r.client.Schema().ClassGetter().WithClassName("Image").Do(ctx)
	return err
}

func (r *weaviateRepository) getImageByID(ctx context.Context, imageID string, extra []graphql.Field) (*models.GraphQLResponse, error) {
	where := filters.Where().
		WithPath([]string{"image_id"}).
		WithOperator(filters.Equal).
		WithValueString(imageID)

	fields := append([]graphql.Field{{Name: "image_id"}}, extra...)
	return r.client.GraphQL().Get().
		WithClassName("Image").
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
}

// decodeImageRows decodes a {Get:{Image:[...]}} envelope into []T.
func decodeImageRows[T any](resp *models.GraphQLResponse) ([]T, error) {
	return decodeRows[T](resp, "Image")
}

// decodeRows decodes a {Get:{<class>:[...]}} GraphQL response envelope.
func decodeRows[T any](resp *models.GraphQLResponse, class string) ([]T, error) {
	if resp == nil {
		return nil, fmt.Errorf("graphstore: nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("graphstore: marshal GraphQL response: %w", err)
	}
	var envelope struct {
		Get map[string][]T `json:"Get"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("graphstore: decode GraphQL response: %w", err)
	}
	return envelope.Get[class], nil
}
