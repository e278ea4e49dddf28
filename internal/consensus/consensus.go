// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consensus implements C6: weighted pairwise agreement across the
// V/VL/VGL mode outputs, with modality-conflict penalties, structured-term
// overlap against graph findings, and graph-evidence boosting.
package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/medgraph/internal/textutil"
)

const (
	agreementThreshold     = 0.6
	highConfidenceThresh   = 0.8
	textSimilarityWeight   = 0.6
	structuredOverlapWeight = 0.3
	graphEvidenceWeight    = 0.10
)

// modePriority breaks ties when selecting a preferred mode. Pair generation
// does not use it; it follows the fixed V, VL, VGL order of modePriority3.
var modePriority = []string{"VGL", "VL", "V"}

var bannedByModality = map[string][]string{
	"US": {"gestational", "fetal", "uterus", "ecg"},
	"CT": {"fetal", "uterus", "ecg"},
}

// ModeOutput is one mode's raw result as handed to the consensus engine.
type ModeOutput struct {
	Text      string
	LatencyMS int
	// Degraded is empty when the mode is not degraded, otherwise a reason
	// tag such as "VL" or "graph_mismatch".
	Degraded string
}

// Finding is the minimal structured-finding shape used for term overlap.
type Finding struct {
	Type     string
	Location string
}

// Options configures one Compute call.
type Options struct {
	Weights            map[string]float64
	MinAgree           float64 // 0 means "use agreementThreshold"
	Modality           string
	AnchorMode         string
	AnchorMinScore     float64
	StructuredFindings []Finding
	GraphPathsStrength float64
}

// Result is the ConsensusResult record from spec.md §3.
type Result struct {
	Text            string
	PresentedText   string
	Status          string // agree, disagree, single, empty
	SupportingModes []string
	DisagreedModes  []string
	AgreementScore  float64
	Confidence      string // very_low, low, medium, high
	Notes           string
	EvaluatedModes  []string
	DegradedInputs  []string
}

type available struct {
	text             string
	normalised       string
	degraded         string
	penalty          float64
	penaltyTerms     []string
	effectiveWeight  float64
	baseWeight       float64
	structuredOverlap float64
}

// Compute runs the full scoring algebra described in spec.md §4.6.
func Compute(results map[string]ModeOutput, opts Options) Result {
	fallbackThreshold := opts.MinAgree
	if fallbackThreshold == 0 {
		fallbackThreshold = agreementThreshold
	}
	modalityKey := strings.ToUpper(opts.Modality)
	typeTerms, locationTerms := collectFindingTerms(opts.StructuredFindings)
	graphSignal := textutil.Clamp01(opts.GraphPathsStrength)

	order := orderedModes(results)
	avail := make(map[string]available, len(order))
	penalisedModes := make(map[string]struct{})

	for _, mode := range order {
		payload := results[mode]
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			continue
		}
		lowered := strings.ToLower(payload.Text)
		var offending []string
		for _, term := range bannedByModality[modalityKey] {
			if strings.Contains(lowered, term) {
				offending = append(offending, term)
			}
		}
		penalty := 0.0
		if modalityKey != "" && len(offending) > 0 {
			penalty = -0.2
		}
		if penalty < 0 {
			penalisedModes[mode] = struct{}{}
		}
		baseWeight := 1.0
		if w, ok := opts.Weights[mode]; ok {
			baseWeight = w
		}
		effectiveWeight := baseWeight + penalty
		if effectiveWeight < 0 {
			effectiveWeight = 0
		}
		avail[mode] = available{
			text:              payload.Text,
			normalised:        textutil.NormaliseForConsensus(payload.Text),
			degraded:          payload.Degraded,
			penalty:           penalty,
			penaltyTerms:      offending,
			effectiveWeight:   effectiveWeight,
			baseWeight:        baseWeight,
			structuredOverlap: structuredOverlapScore(payload.Text, typeTerms, locationTerms),
		}
	}

	availableModes := intersectOrder(order, avail)

	if len(availableModes) == 0 {
		return Result{
			Status:          "empty",
			SupportingModes: []string{},
			DisagreedModes:  []string{},
			Confidence:      "low",
		}
	}

	if len(availableModes) == 1 {
		mode := availableModes[0]
		return Result{
			Text:            avail[mode].text,
			PresentedText:   avail[mode].text,
			Status:          "single",
			SupportingModes: []string{mode},
			DisagreedModes:  []string{},
			AgreementScore:  1.0,
			Confidence:      "medium",
			EvaluatedModes:  sortedModes(availableModes),
		}
	}

	var (
		bestPair           [2]string
		bestPairWeight     = 1.0
		bestWeightedScore  = -1.0
		bestRawScore       = 0.0
		bestPairPenalised  []string
		bestPairGraphBonus bool
		havePair           bool
	)

	for i := 0; i < len(availableModes); i++ {
		for j := i + 1; j < len(availableModes); j++ {
			modeA, modeB := availableModes[i], availableModes[j]
			dataA, dataB := avail[modeA], avail[modeB]

			score := textutil.Jaccard(dataA.normalised, dataB.normalised)
			pairWeight := (dataA.effectiveWeight + dataB.effectiveWeight) / 2.0
			if pairWeight < 0 {
				pairWeight = 0
			}
			penaltyAdjustment := (minZero(dataA.penalty) + minZero(dataB.penalty)) / 2.0
			structureBonus := (dataA.structuredOverlap + dataB.structuredOverlap) / 2.0
			pairHasVGL := modeA == "VGL" || modeB == "VGL"
			graphBonus := 0.0
			if pairHasVGL {
				graphBonus = graphEvidenceWeight * graphSignal
			}
			rawScore := score*textSimilarityWeight + structureBonus*structuredOverlapWeight + graphBonus
			adjustedScore := textutil.Clamp01(rawScore + penaltyAdjustment)
			weightedScore := adjustedScore * pairWeight

			if weightedScore > bestWeightedScore {
				bestWeightedScore = weightedScore
				bestPair = [2]string{modeA, modeB}
				bestRawScore = adjustedScore
				bestPairWeight = pairWeight
				bestPairGraphBonus = graphBonus > 0
				havePair = true

				var penalised []string
				for _, m := range []string{modeA, modeB} {
					if avail[m].penalty < 0 {
						penalised = append(penalised, m)
					}
				}
				sort.Strings(penalised)
				bestPairPenalised = penalised
			}
		}
	}

	agreementScore := bestRawScore
	if agreementScore < 0 {
		agreementScore = 0
	}
	var supportingModes []string
	fallbackUsed := false
	if havePair {
		if agreementScore >= agreementThreshold {
			supportingModes = sortByPriority(bestPair[:])
		} else if agreementScore >= fallbackThreshold && bestPairWeight > 1.0 {
			supportingModes = sortByPriority(bestPair[:])
			fallbackUsed = true
		}
	}

	var penaltyNote string
	anchorModeUsed := false
	if len(supportingModes) == 0 && opts.AnchorMode != "" {
		if anchorData, ok := avail[opts.AnchorMode]; ok && anchorData.degraded == "" {
			supportingModes = []string{opts.AnchorMode}
			anchorModeUsed = true
			if opts.AnchorMinScore > agreementScore {
				agreementScore = opts.AnchorMinScore
			}
		}
	}

	if len(supportingModes) > 0 {
		var conflicted []string
		for _, m := range supportingModes {
			if avail[m].penalty < 0 {
				conflicted = append(conflicted, m)
			}
		}
		if len(conflicted) > 0 {
			sort.Strings(conflicted)
			penaltyNote = "modality conflict: " + strings.Join(conflicted, ", ")
			var kept []string
			for _, m := range supportingModes {
				if avail[m].penalty >= 0 {
					kept = append(kept, m)
				}
			}
			supportingModes = kept
		}
	} else if len(bestPairPenalised) > 0 {
		penaltyNote = "modality conflict: " + strings.Join(bestPairPenalised, ", ")
	}

	var notes, status, confidence, consensusText string
	if len(supportingModes) > 0 {
		preferred := preferredMode(supportingModes)
		consensusText = avail[preferred].text
		status = "agree"
		switch {
		case anchorModeUsed:
			if agreementScore >= highConfidenceThresh {
				confidence = "high"
			} else {
				confidence = "medium"
			}
			notes = "graph-grounded mode dominated consensus"
		case agreementScore >= highConfidenceThresh:
			confidence = "high"
			notes = "agreement across requested modes"
		case fallbackUsed:
			confidence = "medium"
			notes = "weighted agreement favouring grounded evidence"
		default:
			confidence = "medium"
			notes = "agreement across requested modes"
		}
	} else {
		preferred := preferredMode(availableModes)
		consensusText = avail[preferred].text
		confidence = "low"
		status = "disagree"
		supportingModes = []string{preferred}
		notes = "outputs diverged across modes"
		if avail[preferred].penalty < 0 {
			terms := uniqueSorted(avail[preferred].penaltyTerms)
			detail := "unexpected content"
			if len(terms) > 0 {
				detail = "penalised terms: " + strings.Join(terms, ", ")
			} else {
				detail = "penalised terms: " + detail
			}
			if penaltyNote != "" {
				penaltyNote = penaltyNote + " | " + detail
			} else {
				penaltyNote = detail
			}
			confidence = "very_low"
		}
	}

	disagreed := []string{}
	supportSet := map[string]struct{}{}
	for _, m := range supportingModes {
		supportSet[m] = struct{}{}
	}
	for _, m := range availableModes {
		if _, ok := supportSet[m]; !ok {
			disagreed = append(disagreed, m)
		}
	}
	sort.Strings(disagreed)

	var degradedInputs []string
	for _, m := range availableModes {
		if avail[m].degraded != "" {
			degradedInputs = append(degradedInputs, m)
		}
	}
	sort.Strings(degradedInputs)

	presentedText := consensusText
	if status == "disagree" {
		presentedText = "낮은 확신: " + consensusText
	}

	allNotes := []string{}
	if notes != "" {
		allNotes = append(allNotes, notes)
	}
	if penaltyNote != "" {
		allNotes = append(allNotes, penaltyNote)
	}
	if status != "disagree" {
		structuredAlignment := false
		for _, m := range supportingModes {
			if avail[m].structuredOverlap >= 0.5 {
				structuredAlignment = true
				break
			}
		}
		if structuredAlignment {
			allNotes = append(allNotes, "structured finding terms aligned across agreeing modes")
		}
		hasVGLSupport := false
		for _, m := range supportingModes {
			if m == "VGL" {
				hasVGLSupport = true
			}
		}
		if graphSignal > 0 && (hasVGLSupport || bestPairGraphBonus) {
			allNotes = append(allNotes, fmt.Sprintf("graph evidence boosted consensus (paths_signal=%.2f)", graphSignal))
		}
	}
	if len(penalisedModes) > 0 && status != "disagree" && penaltyNote == "" {
		allNotes = append(allNotes, "penalty applied for modality conflict")
	}

	return Result{
		Text:            consensusText,
		PresentedText:   presentedText,
		Status:          status,
		SupportingModes: supportingModes,
		DisagreedModes:  disagreed,
		AgreementScore:  round3(agreementScore),
		Confidence:      confidence,
		Notes:           strings.Join(allNotes, " | "),
		EvaluatedModes:  sortedModes(availableModes),
		DegradedInputs:  degradedInputs,
	}
}

// sortedModes returns a sorted copy of modes, matching the original
// implementation's sorted(available.keys()) rendering of evaluated_modes
// without disturbing the priority order callers use internally.
func sortedModes(modes []string) []string {
	out := append([]string{}, modes...)
	sort.Strings(out)
	return out
}

func orderedModes(results map[string]ModeOutput) []string {
	order := make([]string, 0, len(results))
	for _, m := range modePriority3() {
		if _, ok := results[m]; ok {
			order = append(order, m)
		}
	}
	for m := range results {
		if !contains(order, m) {
			order = append(order, m)
		}
	}
	return order
}

func modePriority3() []string { return []string{"V", "VL", "VGL"} }

func intersectOrder(order []string, avail map[string]available) []string {
	out := make([]string, 0, len(order))
	for _, m := range order {
		if _, ok := avail[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func preferredMode(modes []string) string {
	for _, p := range modePriority {
		if contains(modes, p) {
			return p
		}
	}
	if len(modes) > 0 {
		return modes[0]
	}
	return ""
}

func sortByPriority(modes []string) []string {
	out := append([]string{}, modes...)
	sort.Slice(out, func(i, j int) bool {
		return priorityIndex(out[i]) < priorityIndex(out[j])
	})
	return out
}

func priorityIndex(mode string) int {
	for i, p := range modePriority {
		if p == mode {
			return i
		}
	}
	return len(modePriority)
}

func minZero(v float64) float64 {
	if v < 0 {
		return v
	}
	return 0
}

func uniqueSorted(items []string) []string {
	set := map[string]struct{}{}
	for _, i := range items {
		set[i] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}

func normaliseTerm(v string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(strings.ToLower(v)), " "))
}

func expandTerm(term string) []string {
	variants := []string{term}
	if strings.Contains(term, " ") {
		for _, tok := range strings.Fields(term) {
			if len(tok) >= 4 {
				variants = append(variants, tok)
			}
		}
	}
	return variants
}

func collectFindingTerms(findings []Finding) (typeTerms, locationTerms map[string]struct{}) {
	typeTerms = map[string]struct{}{}
	locationTerms = map[string]struct{}{}
	for _, f := range findings {
		if t := normaliseTerm(f.Type); t != "" {
			for _, v := range expandTerm(t) {
				typeTerms[v] = struct{}{}
			}
		}
		if l := normaliseTerm(f.Location); l != "" {
			for _, v := range expandTerm(l) {
				locationTerms[v] = struct{}{}
			}
		}
	}
	return
}

func termOverlapScore(textLower string, terms map[string]struct{}) float64 {
	if textLower == "" || len(terms) == 0 {
		return 0.0
	}
	hits, total := 0, 0
	for term := range terms {
		if term == "" {
			continue
		}
		total++
		if strings.Contains(textLower, term) {
			hits++
		}
	}
	if total == 0 {
		return 0.0
	}
	return textutil.Clamp01(float64(hits) / float64(total))
}

func structuredOverlapScore(text string, typeTerms, locationTerms map[string]struct{}) float64 {
	if text == "" {
		return 0.0
	}
	lowered := strings.ToLower(text)
	typeScore := termOverlapScore(lowered, typeTerms)
	locationScore := termOverlapScore(lowered, locationTerms)
	return textutil.Clamp01(typeScore*0.6 + locationScore*0.4)
}
