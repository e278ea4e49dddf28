// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ontology holds the canonical finding-label and anatomy-location
// vocabularies shared by the graph repository and consensus engine.
package ontology

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind selects which canonical table Canonicalise consults.
type Kind int

const (
	// Label canonicalises finding types (e.g. "nodule" -> "Nodule").
	Label Kind = iota
	// Location canonicalises anatomy locations (e.g. "RML" -> "Right middle lobe").
	Location
)

type entry struct {
	canonical string
	aliases   []string
}

// LabelCanonicals is the closed vocabulary of finding types.
var LabelCanonicals = []entry{
	{"Mass", []string{"lesion", "덩어리", "mass lesion"}},
	{"Nodule", []string{"결절", "nodule", "small mass"}},
	{"Opacity", []string{"infiltrate", "음영", "opacity"}},
	{"Hypodensity", []string{"low attenuation area", "저음영", "reduced density"}},
	{"Subarachnoid Hemorrhage", []string{"sah", "subarachnoid bleeding", "수막하출혈", "subarachnoid haemorrhage"}},
	{"Ischemic", []string{"ischemia", "ischemic change"}},
}

// LocationCanonicals is the closed vocabulary of anatomy locations.
var LocationCanonicals = []entry{
	{"Right lobe of the liver", []string{"right hepatic lobe", "rhl", "right lobe liver"}},
	{"Left parietal lobe", []string{"left parietal region", "left parietal", "좌측두정엽"}},
	{"Right middle lobe", []string{"rml", "right middle lung lobe"}},
	{"Lung", []string{"pulmonary", "lungs"}},
	{"Liver", []string{"hepatic parenchyma", "liver"}},
}

// TiebreakerPriority orders labels for preferred selection when several
// candidates tie on score.
var TiebreakerPriority = []string{
	"Subarachnoid Hemorrhage",
	"Hypodensity",
	"Mass",
	"Nodule",
	"Opacity",
	"Ischemic",
}

type aliasMatch struct {
	canonical string
	source    string
}

var (
	labelAliasMap    = buildAliasMap(LabelCanonicals)
	locationAliasMap = buildAliasMap(LocationCanonicals)
	tiebreakerRank   = buildTiebreakerRank()
)

func buildAliasMap(table []entry) map[string]aliasMatch {
	m := make(map[string]aliasMatch, len(table)*2)
	for _, e := range table {
		simplified := simplify(e.canonical)
		if _, exists := m[simplified]; !exists {
			m[simplified] = aliasMatch{e.canonical, "canonical"}
		}
		for _, alias := range e.aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			key := simplify(alias)
			if existing, ok := m[key]; ok && existing.source == "canonical" && existing.canonical == e.canonical {
				continue
			}
			m[key] = aliasMatch{e.canonical, "alias:" + alias}
		}
	}
	return m
}

func buildTiebreakerRank() map[string]int {
	m := make(map[string]int, len(TiebreakerPriority))
	for i, label := range TiebreakerPriority {
		m[label] = i
	}
	return m
}

var simplifyStrip = regexp.MustCompile(`[^a-z0-9\x{AC00}-\x{D7A3}]+`)

// simplify normalises a string for case-insensitive, punctuation-free
// alias comparison: lowercase, strip combining marks, drop everything
// that is not a latin letter, digit, or a Hangul syllable.
func simplify(value string) string {
	lowered := strings.ToLower(value)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return simplifyStrip.ReplaceAllString(b.String(), "")
}

func tableFor(kind Kind) map[string]aliasMatch {
	if kind == Location {
		return locationAliasMap
	}
	return labelAliasMap
}

// Resolve mirrors the original canonicalise_label/canonicalise_location:
// it returns (value, source) where source is "canonical", "alias:<alias>",
// or "unchanged" when nothing in the vocabulary matched. It never rejects
// input on its own — Canonicalise below performs the actual accept/reject
// check used at upsert time.
func Resolve(kind Kind, raw string) (value string, source string) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ""
	}
	if match, ok := tableFor(kind)[simplify(candidate)]; ok {
		return match.canonical, match.source
	}
	return candidate, "unchanged"
}

// Canonicalise resolves raw against the closed vocabulary and reports
// whether it is a member of it (canonical form or a known alias). A
// source of "unchanged" that does not also match the canonical spelling
// itself is rejected — this is the boundary the graph repository's
// upsert validation raises a per-index error against.
func Canonicalise(kind Kind, raw string) (value string, ok bool) {
	value, source := Resolve(kind, raw)
	if value == "" {
		return "", false
	}
	if source == "unchanged" {
		return value, false
	}
	return value, true
}

// Rank returns the tiebreaker priority of a canonical label (lower is
// preferred); unknown labels sort last.
func Rank(label string) int {
	if label == "" {
		return len(TiebreakerPriority) + 1
	}
	if r, ok := tiebreakerRank[label]; ok {
		return r
	}
	return len(TiebreakerPriority) + 1
}
