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
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

func indexFilterable() *bool {
	b := true
	return &b
}

// GetCaseSchema describes the Case class: one object per patient case,
// linked to its Image objects via the hasImage cross-reference.
func GetCaseSchema() *models.Class {
	return &models.Class{
		Class:       "Case",
		Description: "A patient case grouping one or more imaging studies.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "case_id", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "hasImage", DataType: []string{"Image"}},
		},
	}
}

// GetImageSchema describes the Image class, keyed by image_id with a
// deterministic object UUID so repeated upserts of the same storage_uri
// converge on one object (the Weaviate analogue of Neo4j's MERGE).
func GetImageSchema() *models.Class {
	return &models.Class{
		Class:       "Image",
		Description: "One imaging study, uniquely identified by image_id.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "image_id", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "path", DataType: []string{"text"}},
			{Name: "modality", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "storage_uri", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "idempotency_key", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "describedBy", DataType: []string{"Report"}},
			{Name: "hasFinding", DataType: []string{"Finding"}},
			{Name: "similarTo", DataType: []string{"Image"}},
		},
	}
}

// GetReportSchema describes the Report class.
func GetReportSchema() *models.Class {
	return &models.Class{
		Class:       "Report",
		Description: "A free-text radiology report attached to one Image.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "report_id", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "text", DataType: []string{"text"}},
			{Name: "model", DataType: []string{"text"}},
			{Name: "conf", DataType: []string{"number"}},
			{Name: "ts", DataType: []string{"text"}},
		},
	}
}

// GetFindingSchema describes the Finding class. Location is stored as a
// canonical property directly rather than as a separate Anatomy class and
// LOCATED_IN edge: the ontology package already canonicalises location to
// the same closed vocabulary Anatomy.name would hold, so the extra class
// would carry no information the Finding object doesn't already have.
func GetFindingSchema() *models.Class {
	return &models.Class{
		Class:       "Finding",
		Description: "One structured finding attached to an Image.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "finding_id", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "type", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "location", DataType: []string{"text"}, IndexFilterable: indexFilterable(), Tokenization: "field"},
			{Name: "size_cm", DataType: []string{"number"}},
			{Name: "conf", DataType: []string{"number"}},
		},
	}
}

// EnsureSchema creates the Case/Image/Report/Finding classes if they do
// not already exist, following the teacher's check-then-create idiom.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	classes := []*models.Class{GetCaseSchema(), GetImageSchema(), GetReportSchema(), GetFindingSchema()}
	for _, class := range classes {
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			slog.Debug("graphstore: schema already present", "class", class.Class)
			continue
		}
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return err
		}
		slog.Info("graphstore: created schema class", "class", class.Class)
	}
	return nil
}
