// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextbuilder assembles the edge-first context pack (C4): an
// edge summary, top-k evidence paths split across findings/reports/
// similarity slots, and the flattened facts JSON, rendered into a single
// prompt-ready triples block bounded by a character budget.
package contextbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/medgraph/internal/dedup"
	"github.com/AleutianAI/medgraph/internal/graphstore"
)

// slotKeys is the fixed iteration order for the three path slots.
var slotKeys = []string{"findings", "reports", "similarity"}

// EvidencePath is a readable description of one reasoning path: a label
// plus the edge triples that justify it, tagged with the slot it was
// budgeted against. Confidences maps a relation name (e.g. "HAS_FINDING")
// to the confidence value that backs it, used to compute avg_conf when
// augmenting the edge summary with relations the raw summary omitted.
type EvidencePath struct {
	Label       string
	Triples     []string
	Slot        string
	Confidences map[string]float64
}

// Facts is the flattened, normalised findings payload attached to an
// image, rendered verbatim as the "[FACTS JSON]" block.
type Facts struct {
	ImageID  string             `json:"image_id"`
	Findings []graphstore.Fact `json:"findings"`
}

// SlotMeta records how the requested path budget was resolved.
type SlotMeta struct {
	RequestedK         int
	AppliedK           int
	SlotSource         string // "auto" or "overrides"
	RequestedOverrides map[string]int
	AllocatedTotal     int
	// RetriedFindings is true when a path query came back short of its
	// budget and a rebalance moved budget between slots before retrying.
	RetriedFindings bool
}

// Pack is the edge-first context bundle returned by Build.
type Pack struct {
	Summary     []string
	SummaryRows []graphstore.EdgeSummary
	Paths       []EvidencePath
	Facts       Facts
	Triples     string
	SlotLimits  map[string]int
	SlotMeta    SlotMeta
}

// Options parameterises Build.
type Options struct {
	// K is the total path budget (0..10, enforced by the caller).
	K int
	// KSlots overrides the default findings/reports/similarity split.
	KSlots map[string]int
	// MaxChars bounds the rendered triples text; 0 disables trimming.
	MaxChars int
	Weights  graphstore.PathWeights
}

// Builder renders context packs from a graph repository.
type Builder struct {
	repo graphstore.Repository
}

// New constructs a Builder over repo.
func New(repo graphstore.Repository) *Builder {
	return &Builder{repo: repo}
}

// Build runs the slot-allocate / query / dedupe / rebalance / render /
// trim loop described by the context-builder design and returns the
// assembled Pack for imageID.
func (b *Builder) Build(ctx context.Context, imageID string, opts Options) (Pack, error) {
	if opts.K < 0 {
		return Pack{}, fmt.Errorf("contextbuilder: k must be >= 0")
	}

	bundle, err := b.repo.QueryBundle(ctx, imageID)
	if err != nil {
		return Pack{}, fmt.Errorf("contextbuilder: query bundle: %w", err)
	}
	facts := Facts{ImageID: imageID, Findings: bundle.Findings}
	if facts.ImageID == "" {
		facts.ImageID = bundle.ImageID
	}

	currentK := opts.K
	slotOverrides := opts.KSlots
	slotLimits := resolvePathSlots(currentK, slotOverrides)

	var rendered renderedPack
	var retriedFindings bool
	attempted := map[string]bool{}

	for {
		signature := slotSignature(slotLimits)
		if attempted[signature] {
			break
		}
		attempted[signature] = true

		paths, err := b.repo.QueryPaths(ctx, graphstore.PathQuery{
			ImageID:     imageID,
			K:           currentK,
			Weights:     opts.Weights,
			SlotBudgets: slotLimits,
		})
		if err != nil {
			return Pack{}, fmt.Errorf("contextbuilder: query paths: %w", err)
		}
		evidencePaths := dedupeEvidencePaths(toEvidencePaths(imageID, paths))

		totalBudget := sumSlots(slotLimits)
		desired := totalBudget
		if currentK > 0 {
			if totalBudget > 0 {
				desired = minInt(currentK, totalBudget)
			} else {
				desired = currentK
			}
		}
		if len(slotOverrides) == 0 && desired > 0 && len(evidencePaths) < desired {
			rebalanced := rebalanceSlotLimits(slotLimits, evidencePaths)
			if !slotsEqual(rebalanced, slotLimits) {
				slotLimits = rebalanced
				retriedFindings = true
				continue
			}
		}

		rendered = render(bundle.Summary, evidencePaths, facts)
		if opts.MaxChars > 0 && len(rendered.triplesText) > opts.MaxChars && currentK > 0 {
			currentK--
			slotLimits = resolvePathSlots(currentK, slotOverrides)
			attempted = map[string]bool{}
			continue
		}
		break
	}

	triples := rendered.triplesText
	if opts.MaxChars > 0 && len(triples) > opts.MaxChars {
		cut := opts.MaxChars - 1
		if cut < 0 {
			cut = 0
		}
		triples = strings.TrimRight(triples[:cut], " \t\n") + "..."
	}

	meta := SlotMeta{
		RequestedK:         opts.K,
		AppliedK:           currentK,
		SlotSource:         "auto",
		RequestedOverrides: map[string]int{},
		AllocatedTotal:     sumSlots(slotLimits),
	}
	if clean := sanitiseSlotValues(slotOverrides); len(clean) > 0 {
		meta.SlotSource = "overrides"
		meta.RequestedOverrides = clean
	}
	meta.RetriedFindings = retriedFindings

	return Pack{
		Summary:     rendered.summaryLines,
		SummaryRows: rendered.summaryRows,
		Paths:       rendered.paths,
		Facts:       facts,
		Triples:     triples,
		SlotLimits:  slotLimits,
		SlotMeta:    meta,
	}, nil
}

// renderedPack is the intermediate result of one render pass.
type renderedPack struct {
	summaryLines []string
	summaryRows  []graphstore.EdgeSummary
	paths        []EvidencePath
	triplesText  string
}

func render(summaryRows []graphstore.EdgeSummary, paths []EvidencePath, facts Facts) renderedPack {
	augmented := augmentSummaryRows(summaryRows, paths)
	summaryLines := renderEdgeSummaryLines(augmented)
	evidenceSection := formatEvidenceSection(paths)
	factsJSON, _ := json.MarshalIndent(facts, "", "  ")

	var sections []string
	if summaryText := strings.Join(summaryLines, "\n"); summaryText != "" {
		sections = append(sections, summaryText)
	}
	if evidenceSection != "" {
		sections = append(sections, evidenceSection)
	}
	sections = append(sections, "[FACTS JSON]", string(factsJSON))

	return renderedPack{
		summaryLines: summaryLines,
		summaryRows:  augmented,
		paths:        paths,
		triplesText:  strings.Join(sections, "\n"),
	}
}

func renderEdgeSummaryLines(rows []graphstore.EdgeSummary) []string {
	lines := []string{"[EDGE SUMMARY]"}
	if len(rows) == 0 {
		lines = append(lines, "no edges recorded")
		return lines
	}
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%s: cnt=%d, avg_conf=%.2f", row.Relation, row.Count, row.AvgConf))
	}
	return lines
}

func formatEvidenceSection(paths []EvidencePath) string {
	lines := []string{"[EVIDENCE PATHS (Top-k)]"}
	if len(paths) == 0 {
		lines = append(lines, "no evidence paths")
		return strings.Join(lines, "\n")
	}
	for i, p := range paths {
		prefix := ""
		if p.Slot != "" {
			prefix = "[" + p.Slot + "] "
		}
		lines = append(lines, fmt.Sprintf("%d) %s%s", i+1, prefix, p.Label))
		for _, t := range p.Triples {
			lines = append(lines, "   "+t)
		}
	}
	return strings.Join(lines, "\n")
}

// toEvidencePaths renders each graph path into a label plus the edge
// triples that justify it: Image-HAS_FINDING->Finding, an optional
// Finding-LOCATED_IN->Anatomy leg when a location resolved, an optional
// Image-DESCRIBED_BY->Report leg when a report is attached, and an
// Image-SIMILAR_TO->Finding leg scored by the path score for
// similarity-slot paths.
func toEvidencePaths(imageID string, paths []graphstore.Path) []EvidencePath {
	out := make([]EvidencePath, 0, len(paths))
	for _, p := range paths {
		label := fmt.Sprintf("%s at %s (conf %.2f)", p.Finding.Type, p.Finding.Location, p.Finding.Conf)
		triples := []string{fmt.Sprintf("Image[%s] -HAS_FINDING-> Finding[%s]", imageID, p.Finding.ID)}
		if p.Anatomy != "" {
			triples = append(triples, fmt.Sprintf("Finding[%s] -LOCATED_IN-> Anatomy[%s]", p.Finding.ID, p.Anatomy))
		}
		if p.Report.ID != "" {
			triples = append(triples, fmt.Sprintf("Image[%s] -DESCRIBED_BY-> Report[%s]", imageID, p.Report.ID))
		}
		slot := p.Slot
		if slot == "" {
			slot = "findings"
		}
		confidences := map[string]float64{"HAS_FINDING": p.Finding.Conf}
		if slot == "similarity" {
			triples = append(triples, fmt.Sprintf("Image[%s] -SIMILAR_TO-> Finding[%s]", imageID, p.Finding.ID))
			confidences["SIMILAR_TO"] = p.Score
		}
		out = append(out, EvidencePath{Label: label, Triples: triples, Slot: slot, Confidences: confidences})
	}
	return out
}

func dedupeEvidencePaths(paths []EvidencePath) []EvidencePath {
	return dedup.By(paths, func(p EvidencePath) string {
		return dedup.PathKey(dedup.Path{Label: p.Label, Triples: p.Triples})
	})
}

var relationPattern = regexp.MustCompile(`-([A-Z_]+)->`)

func extractRelation(triple string) string {
	match := relationPattern.FindStringSubmatch(triple)
	if match == nil {
		return ""
	}
	return match[1]
}

// augmentSummaryRows folds any relation present in the evidence paths but
// missing from the raw summary back into the rendered summary, computing
// avg_conf from per-finding confidences (HAS_FINDING) or path scores
// (SIMILAR_TO) when available.
func augmentSummaryRows(summaryRows []graphstore.EdgeSummary, paths []EvidencePath) []graphstore.EdgeSummary {
	byRelation := make(map[string]graphstore.EdgeSummary, len(summaryRows))
	for _, row := range summaryRows {
		byRelation[row.Relation] = row
	}

	type accum struct {
		count int
		confs []float64
	}
	fallback := make(map[string]*accum)
	for _, p := range paths {
		for _, triple := range p.Triples {
			relation := extractRelation(triple)
			if relation == "" {
				continue
			}
			entry, ok := fallback[relation]
			if !ok {
				entry = &accum{}
				fallback[relation] = entry
			}
			entry.count++
			if conf, ok := p.Confidences[relation]; ok {
				entry.confs = append(entry.confs, conf)
			}
		}
	}

	for relation, entry := range fallback {
		if _, exists := byRelation[relation]; exists {
			continue
		}
		if entry.count <= 0 {
			continue
		}
		var avg float64
		if len(entry.confs) > 0 {
			var total float64
			for _, c := range entry.confs {
				total += c
			}
			avg = total / float64(len(entry.confs))
		}
		byRelation[relation] = graphstore.EdgeSummary{Relation: relation, Count: entry.count, AvgConf: avg}
	}

	order := []string{"HAS_FINDING", "LOCATED_IN", "RELATED_TO", "DESCRIBED_BY", "HAS_IMAGE", "HAS_ENCOUNTER", "HAS_INFERENCE", "SIMILAR_TO"}
	ordered := make([]graphstore.EdgeSummary, 0, len(byRelation))
	seen := make(map[string]bool, len(byRelation))
	for _, relation := range order {
		if row, ok := byRelation[relation]; ok {
			ordered = append(ordered, row)
			seen[relation] = true
		}
	}
	for relation, row := range byRelation {
		if !seen[relation] {
			ordered = append(ordered, row)
		}
	}
	return ordered
}

func resolvePathSlots(total int, explicit map[string]int) map[string]int {
	if total < 0 {
		total = 0
	}
	if clean := sanitiseSlotValues(explicit); len(clean) > 0 {
		return capSlots(clean, total)
	}

	slots := map[string]int{"findings": 0, "reports": 0, "similarity": 0}
	remaining := total
	slots["findings"] = minInt(2, remaining)
	remaining -= slots["findings"]
	if remaining > 0 {
		slots["reports"] = minInt(2, remaining)
		remaining -= slots["reports"]
	}
	if remaining > 0 {
		slots["similarity"] = remaining
	}
	return slots
}

func sanitiseSlotValues(explicit map[string]int) map[string]int {
	if len(explicit) == 0 {
		return nil
	}
	clean := make(map[string]int)
	for _, key := range slotKeys {
		if v, ok := explicit[key]; ok {
			if v < 0 {
				v = 0
			}
			clean[key] = v
		}
	}
	return clean
}

func capSlots(slots map[string]int, limit int) map[string]int {
	if limit <= 0 {
		return map[string]int{"findings": 0, "reports": 0, "similarity": 0}
	}
	order := []string{"similarity", "reports", "findings"}
	capped := map[string]int{}
	for _, key := range slotKeys {
		v := slots[key]
		if v < 0 {
			v = 0
		}
		capped[key] = v
	}
	for sumSlots(capped) > limit {
		decremented := false
		for _, key := range order {
			if capped[key] > 0 {
				capped[key]--
				decremented = true
				if sumSlots(capped) <= limit {
					break
				}
			}
		}
		if !decremented {
			break
		}
	}
	return capped
}

// rebalanceSlotLimits shifts budget away from slots with zero observed
// hits toward slots that returned results, preferring reports then
// similarity when findings came back empty.
func rebalanceSlotLimits(slots map[string]int, paths []EvidencePath) map[string]int {
	total := sumSlots(slots)
	if total <= 0 {
		return slots
	}

	counts := map[string]int{"findings": 0, "reports": 0, "similarity": 0}
	for _, p := range paths {
		if _, ok := counts[p.Slot]; ok {
			counts[p.Slot]++
		}
	}

	order := append([]string{}, slotKeys...)
	if counts["findings"] == 0 {
		order = []string{"reports", "similarity", "findings"}
	}

	rebalanced := map[string]int{"findings": 0, "reports": 0, "similarity": 0}
	remaining := total

	var primary, secondary []string
	for _, key := range order {
		if counts[key] > 0 {
			primary = append(primary, key)
		} else {
			secondary = append(secondary, key)
		}
	}

	for _, key := range primary {
		if remaining <= 0 {
			break
		}
		desired := slots[key]
		if desired <= 0 {
			desired = 1
		}
		allocation := minInt(remaining, desired)
		rebalanced[key] = allocation
		remaining -= allocation
	}
	for _, key := range secondary {
		if remaining <= 0 {
			break
		}
		if rebalanced[key] == 0 {
			rebalanced[key] = 1
			remaining--
		}
	}

	distribution := make([]string, 0, len(slotKeys))
	for _, key := range order {
		if rebalanced[key] > 0 {
			distribution = append(distribution, key)
		}
	}
	if len(distribution) == 0 {
		distribution = order
	}
	idx := 0
	for remaining > 0 && len(distribution) > 0 {
		key := distribution[idx%len(distribution)]
		rebalanced[key]++
		remaining--
		idx++
	}
	return rebalanced
}

func sumSlots(slots map[string]int) int {
	total := 0
	for _, key := range slotKeys {
		total += slots[key]
	}
	return total
}

func slotsEqual(a, b map[string]int) bool {
	for _, key := range slotKeys {
		if a[key] != b[key] {
			return false
		}
	}
	return true
}

func slotSignature(slots map[string]int) string {
	var b strings.Builder
	for _, key := range slotKeys {
		fmt.Fprintf(&b, "%s=%d;", key, slots[key])
	}
	return b.String()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
