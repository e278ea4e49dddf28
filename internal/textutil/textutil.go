// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textutil holds small free-text comparison helpers shared by the
// consensus engine and the similarity scorer.
package textutil

import "strings"

// NormaliseForConsensus lowercases and squeezes whitespace.
func NormaliseForConsensus(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Jaccard computes token-set similarity between two already-normalised
// strings. Two empty strings are considered identical (1.0); one empty
// and one non-empty are considered disjoint (0.0).
func Jaccard(a, b string) float64 {
	tokensA := toSet(a)
	tokensB := toSet(b)
	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1.0
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}
	intersection := 0
	for t := range tokensA {
		if _, ok := tokensB[t]; ok {
			intersection++
		}
	}
	union := len(tokensA) + len(tokensB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func toSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Clamp01 restricts v to the closed interval [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
