// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements C7: a post-consensus guard that downgrades the
// consensus result when its text names an organ inconsistent with the one
// implied by the request's file path, catching VLM/LLM hallucinations that
// drift onto the wrong body part entirely.
package safety

import "strings"

// organKeyword pairs an organ with the keywords its consensus text would
// contain if (and only if) the mode outputs drifted onto it. Order matters:
// it fixes the order offending organs are reported in, matching the source's
// dict insertion order.
type organKeyword struct {
	organ    string
	keywords []string
}

var organKeywords = []organKeyword{
	{organ: "brain", keywords: []string{"brain", "cerebral", "stroke", "infarct"}},
	{organ: "liver", keywords: []string{"liver", "hepatic"}},
	{organ: "lung", keywords: []string{"lung", "pulmonary"}},
	{organ: "heart", keywords: []string{"heart", "cardiac"}},
}

// InferExpectedOrgan guesses the organ a request's file path implies, by
// matching a handful of path substrings. Returns "" when the path carries no
// signal, in which case the guard is skipped entirely.
func InferExpectedOrgan(filePath string) string {
	lower := strings.ToLower(strings.TrimSpace(filePath))
	if lower == "" {
		return ""
	}
	if strings.Contains(lower, "brain") || strings.Contains(lower, "head") {
		return "brain"
	}
	if strings.Contains(lower, "liver") || strings.Contains(lower, "abdomen") {
		return "liver"
	}
	if strings.Contains(lower, "chest") {
		return "lung"
	}
	return ""
}

// Verdict is the outcome of a Check call.
type Verdict struct {
	// Triggered is true when consensusText named an organ other than
	// expectedOrgan, and the caller should downgrade the consensus result.
	Triggered bool
	// OffendingOrgans lists the organs whose keywords appeared in the text,
	// in organKeywords order.
	OffendingOrgans []string
	// Note is the " | Guard: ..." suffix to append to the consensus notes.
	Note string
	// PresentedText is the Korean low-confidence message to substitute for
	// the consensus's presented text when Triggered.
	PresentedText string
}

const presentedTextOnTrigger = "낮은 확신: 장기 불일치 가능성이 있어 단정이 어렵습니다."

// Check scans consensusText for organ keywords inconsistent with
// expectedOrgan. When expectedOrgan is "" the guard is a no-op: there was no
// path signal to check against.
func Check(expectedOrgan, consensusText string) Verdict {
	if expectedOrgan == "" {
		return Verdict{}
	}
	lower := strings.ToLower(consensusText)
	var offending []string
	for _, ok := range organKeywords {
		if ok.organ == expectedOrgan {
			continue
		}
		for _, kw := range ok.keywords {
			if strings.Contains(lower, kw) {
				offending = append(offending, ok.organ)
				break
			}
		}
	}
	if len(offending) == 0 {
		return Verdict{}
	}
	return Verdict{
		Triggered:       true,
		OffendingOrgans: offending,
		Note:            " | Guard: " + formatOrgans(offending) + " terms inconsistent with expected " + expectedOrgan,
		PresentedText:   presentedTextOnTrigger,
	}
}

// formatOrgans renders offending the way Python's str() renders a list of
// strings, e.g. ['lung', 'heart'], since that literal rendering flows
// verbatim into the consensus notes.
func formatOrgans(offending []string) string {
	quoted := make([]string, len(offending))
	for i, o := range offending {
		quoted[i] = "'" + o + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
