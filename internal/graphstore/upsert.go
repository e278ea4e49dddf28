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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/medgraph/internal/ontology"
)

// PreparedFinding is a Finding whose Type/Location have been canonicalised
// and whose ID has been derived when the caller left it blank.
type PreparedFinding struct {
	Finding
}

// PrepareUpsert canonicalises every finding's type/location against the
// ontology map and derives a stable id for any finding missing one,
// matching _prepare_upsert_parameters's id-derivation formula:
// image_id|lower(type)|lower(location)|round(size_cm,1).
//
// Returns *NonCanonicalFieldError on the first finding whose type or
// location does not resolve to a canonical value.
func PrepareUpsert(payload UpsertPayload) (UpsertPayload, error) {
	prepared := payload
	prepared.Findings = make([]Finding, len(payload.Findings))

	for i, f := range payload.Findings {
		canonType, ok := ontology.Canonicalise(ontology.Label, f.Type)
		if !ok {
			return UpsertPayload{}, &NonCanonicalFieldError{Index: i, Field: "type", Value: f.Type}
		}
		canonLocation, ok := ontology.Canonicalise(ontology.Location, f.Location)
		if !ok {
			return UpsertPayload{}, &NonCanonicalFieldError{Index: i, Field: "location", Value: f.Location}
		}
		f.Type = canonType
		f.Location = canonLocation
		if f.ID == "" {
			f.ID = deriveFindingID(payload.Image.ImageID, f)
		}
		prepared.Findings[i] = f
	}
	return prepared, nil
}

func deriveFindingID(imageID string, f Finding) string {
	size := 0.0
	if f.SizeCM != nil {
		size = *f.SizeCM
	}
	rounded := math.Round(size*10) / 10
	return fmt.Sprintf("%s|%s|%s|%s", imageID, strings.ToLower(f.Type), strings.ToLower(f.Location), formatScore(rounded))
}

func formatScore(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	return s
}
