// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package similarity scores candidate images against a newly processed
// image on modality match plus finding-type/location/anatomy overlap, for
// the SIMILAR_TO edge sync that runs between the graph upsert and context
// build stages.
package similarity

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/medgraph/internal/graphstore"
	"github.com/AleutianAI/medgraph/internal/textutil"
)

var tokenPattern = regexp.MustCompile(`[^a-z0-9]+`)

// normaliseToken lowercases value and collapses runs of non-alphanumeric
// characters to a single underscore, matching the source's slugging.
func normaliseToken(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	token := tokenPattern.ReplaceAllString(value, "_")
	return strings.Trim(token, "_")
}

func collectTokens(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if t := normaliseToken(v); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

func joinTokens(set map[string]struct{}) string {
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	return strings.Join(tokens, " ")
}

func intersects(a, b map[string]struct{}) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for t := range small {
		if _, ok := big[t]; ok {
			return true
		}
	}
	return false
}

func union(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}

// Image is the image under evaluation: its modality and structured facts.
type Image struct {
	Modality string
	Findings []graphstore.Fact
}

// Candidate is one other image in the graph considered as a similarity
// match, described by the same token sets a real adapter would project
// from its stored Finding nodes plus any resolved anatomy codes.
type Candidate struct {
	ImageID          string
	Modality         string
	FindingTypes     []string
	FindingLocations []string
	AnatomyCodes     []string
}

// Edge is one scored SIMILAR_TO edge, ready for SyncSimilarityEdges.
type Edge struct {
	ImageID string
	Score   float64
	Basis   string
}

// Summary is the API-facing view of one scored candidate.
type Summary struct {
	ImageID string
	Score   float64
}

type scored struct {
	score   float64
	imageID string
	basis   string
}

// ComputeScores scores every candidate against newImage and returns
// (edges, summaries) for the candidates meeting threshold, sorted by score
// descending then image id, capped at topK. The score is 0.6 for a modality
// match plus 0.4 times the token-set Jaccard similarity (the helper used
// elsewhere for graph-mismatch scoring) of the finding type, location and
// anatomy tokens. The categorical overlaps (finding type / location /
// anatomy) only build the human-readable basis string; they do not enter
// the score.
func ComputeScores(newImage Image, candidates []Candidate, threshold float64, topK int) ([]Edge, []Summary) {
	modality := strings.ToUpper(strings.TrimSpace(newImage.Modality))

	newTypes := make(map[string]struct{})
	newLocations := make(map[string]struct{})
	for _, f := range newImage.Findings {
		for t := range collectTokens([]string{f.Type}) {
			newTypes[t] = struct{}{}
		}
		for t := range collectTokens([]string{f.Location}) {
			newLocations[t] = struct{}{}
		}
	}
	newSemanticTokens := union(newTypes, newLocations)

	results := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.ImageID == "" {
			continue
		}

		cModality := strings.ToUpper(strings.TrimSpace(c.Modality))
		modalityMatch := 0.0
		if modality != "" && modality == cModality {
			modalityMatch = 1.0
		}

		candidateTypes := collectTokens(c.FindingTypes)
		candidateLocations := collectTokens(c.FindingLocations)
		candidateAnatomy := collectTokens(c.AnatomyCodes)
		candidateSemanticTokens := union(union(candidateTypes, candidateLocations), candidateAnatomy)

		var basisParts []string
		if intersects(newTypes, candidateTypes) {
			basisParts = append(basisParts, "finding_type")
		}
		if intersects(newLocations, candidateLocations) {
			basisParts = append(basisParts, "location")
		}
		if intersects(newSemanticTokens, candidateAnatomy) {
			basisParts = append(basisParts, "anatomy")
		}

		semanticJaccard := textutil.Jaccard(joinTokens(newSemanticTokens), joinTokens(candidateSemanticTokens))
		score := round3(0.6*modalityMatch + 0.4*semanticJaccard)
		if score < threshold {
			continue
		}

		allBasis := make([]string, 0, len(basisParts)+1)
		if modalityMatch > 0 {
			allBasis = append(allBasis, "modality")
		}
		allBasis = append(allBasis, basisParts...)
		if len(allBasis) == 0 {
			allBasis = []string{"none"}
		}

		results = append(results, scored{score: score, imageID: c.ImageID, basis: strings.Join(allBasis, "+")})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].imageID < results[j].imageID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	edges := make([]Edge, 0, len(results))
	summaries := make([]Summary, 0, len(results))
	for _, r := range results {
		edges = append(edges, Edge{ImageID: r.imageID, Score: r.score, Basis: r.basis})
		summaries = append(summaries, Summary{ImageID: r.imageID, Score: r.score})
	}
	return edges, summaries
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
