// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup removes duplicate findings and graph context paths before
// they reach the consensus engine and context builder.
package dedup

import (
	"fmt"
	"math"
	"strings"
)

// By returns items in their original order with duplicates removed, where
// two items are duplicates when keyFn produces the same signature.
func By[T any](items []T, keyFn func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	deduped := make([]T, 0, len(items))
	for _, item := range items {
		key := keyFn(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, item)
	}
	return deduped
}

// Finding is the minimal shape dedup needs; callers with a richer finding
// type satisfy this via a small adapter closure passed to By.
type Finding struct {
	Type     string
	Location string
	SizeCM   float64
}

// FindingKey builds the (type, location, size-to-one-decimal) signature
// used to collapse semantically identical findings.
func FindingKey(f Finding) string {
	size := math.Round(f.SizeCM*10) / 10
	return fmt.Sprintf("%s|%s|%.1f",
		strings.ToLower(strings.TrimSpace(f.Type)),
		strings.ToLower(strings.TrimSpace(f.Location)),
		size)
}

// Findings removes duplicate findings based on their semantic signature.
func Findings(findings []Finding) []Finding {
	return By(findings, FindingKey)
}

// Path is the minimal shape dedup needs for graph context paths.
type Path struct {
	Label   string
	Triples []string
}

// PathKey builds the label + triple-sequence signature used to collapse
// duplicate context paths surfaced by the graph repository.
func PathKey(p Path) string {
	return p.Label + "|" + strings.Join(p.Triples, ">")
}

// Paths removes duplicate context paths using their label + triple
// signature.
func Paths(paths []Path) []Path {
	return By(paths, PathKey)
}
