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
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

func TestObjectIDIsDeterministicPerNaturalKey(t *testing.T) {
	a := objectID("Image", "IMG_001")
	b := objectID("Image", "IMG_001")
	if a != b {
		t.Fatalf("expected deterministic object id, got %q vs %q", a, b)
	}
	c := objectID("Image", "IMG_002")
	if a == c {
		t.Fatalf("expected distinct object ids for distinct keys")
	}
}

func TestObjectIDDiffersAcrossClasses(t *testing.T) {
	image := objectID("Image", "IMG_001")
	finding := objectID("Finding", "IMG_001")
	if image == finding {
		t.Fatalf("expected class to be part of the id derivation")
	}
}

func TestBeaconFormatsWeaviateURI(t *testing.T) {
	b := beacon("Report", "abc-123")
	if b["beacon"] != "weaviate://localhost/Report/abc-123" {
		t.Fatalf("unexpected beacon: %+v", b)
	}
}

func TestDecodeRowsParsesGetEnvelope(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]interface{}{
			"Get": map[string]interface{}{
				"Image": []interface{}{
					map[string]interface{}{"image_id": "IMG_001"},
				},
			},
		},
	}
	type row struct {
		ImageID string `json:"image_id"`
	}
	rows, err := decodeRows[row](resp, "Image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].ImageID != "IMG_001" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestDecodeRowsMissingClassReturnsEmpty(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]interface{}{"Get": map[string]interface{}{}}}
	rows, err := decodeRows[struct{}](resp, "Image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty rows, got %+v", rows)
	}
}
