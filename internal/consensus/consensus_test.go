// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consensus

import "testing"

func TestComputeEmpty(t *testing.T) {
	result := Compute(map[string]ModeOutput{}, Options{})
	if result.Status != "empty" {
		t.Fatalf("expected empty status, got %q", result.Status)
	}
}

func TestComputeSingleMode(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V": {Text: "small nodule in the right upper lobe"},
	}, Options{})
	if result.Status != "single" {
		t.Fatalf("expected single status, got %q", result.Status)
	}
	if result.AgreementScore != 1.0 {
		t.Fatalf("expected agreement 1.0, got %v", result.AgreementScore)
	}
	if result.Confidence != "medium" {
		t.Fatalf("expected medium confidence, got %q", result.Confidence)
	}
	if len(result.SupportingModes) != 1 || result.SupportingModes[0] != "V" {
		t.Fatalf("unexpected supporting modes: %v", result.SupportingModes)
	}
}

func TestComputeTwoModesAgreeOnIdenticalText(t *testing.T) {
	text := "small nodule in the right upper lobe"
	result := Compute(map[string]ModeOutput{
		"V":  {Text: text},
		"VL": {Text: text},
	}, Options{})
	if result.Status != "agree" {
		t.Fatalf("expected agree status, got %q (%+v)", result.Status, result)
	}
	if result.AgreementScore < agreementThreshold {
		t.Fatalf("expected agreement >= %v, got %v", agreementThreshold, result.AgreementScore)
	}
	if len(result.DisagreedModes) != 0 {
		t.Fatalf("expected no disagreed modes, got %v", result.DisagreedModes)
	}
}

func TestComputeTwoModesDisagree(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V":  {Text: "no acute findings"},
		"VL": {Text: "large mass in the left kidney with calcification"},
	}, Options{})
	if result.Status != "disagree" {
		t.Fatalf("expected disagree status, got %q (%+v)", result.Status, result)
	}
	if result.PresentedText[:len("낮은 확신: ")] != "낮은 확신: " {
		t.Fatalf("expected low-confidence prefix, got %q", result.PresentedText)
	}
	if len(result.SupportingModes) != 1 || result.SupportingModes[0] != "VL" {
		t.Fatalf("expected VL preferred over V, got %v", result.SupportingModes)
	}
}

func TestComputeEvaluatedModesAreSortedNotPriorityOrdered(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V":   {Text: "no acute findings"},
		"VGL": {Text: "no acute findings"},
		"VL":  {Text: "no acute findings"},
	}, Options{})
	want := []string{"V", "VGL", "VL"}
	if len(result.EvaluatedModes) != len(want) {
		t.Fatalf("expected %v, got %v", want, result.EvaluatedModes)
	}
	for i, m := range want {
		if result.EvaluatedModes[i] != m {
			t.Fatalf("expected sorted evaluated_modes %v, got %v", want, result.EvaluatedModes)
		}
	}
}

func TestComputeModalityPenaltyLowersConfidence(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V":  {Text: "no acute abnormality identified"},
		"VL": {Text: "findings are consistent with fetal uterus abnormality"},
	}, Options{Modality: "US"})
	if result.Status != "disagree" {
		t.Fatalf("expected disagree status, got %q (%+v)", result.Status, result)
	}
	if result.Confidence != "very_low" {
		t.Fatalf("expected very_low confidence after modality penalty, got %q", result.Confidence)
	}
	if result.Notes == "" {
		t.Fatalf("expected a penalty note to be recorded")
	}
}

func TestComputeAnchorModeOverride(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V":   {Text: "no acute findings"},
		"VGL": {Text: "mass noted adjacent to prior graph-confirmed nodule"},
	}, Options{
		AnchorMode:     "VGL",
		AnchorMinScore: 0.9,
	})
	if result.Status != "agree" {
		t.Fatalf("expected agree status via anchor override, got %q (%+v)", result.Status, result)
	}
	if len(result.SupportingModes) != 1 || result.SupportingModes[0] != "VGL" {
		t.Fatalf("expected VGL as sole supporting mode, got %v", result.SupportingModes)
	}
	if result.AgreementScore < 0.9 {
		t.Fatalf("expected anchor min score to raise agreement, got %v", result.AgreementScore)
	}
	if result.Confidence != "high" {
		t.Fatalf("expected high confidence for anchor override above threshold, got %q", result.Confidence)
	}
}

func TestComputeDegradedInputsSurfaced(t *testing.T) {
	result := Compute(map[string]ModeOutput{
		"V":  {Text: "small nodule in the right upper lobe"},
		"VL": {Text: "small nodule in the right upper lobe", Degraded: "VL"},
	}, Options{})
	if len(result.DegradedInputs) != 1 || result.DegradedInputs[0] != "VL" {
		t.Fatalf("expected VL flagged as degraded, got %v", result.DegradedInputs)
	}
}

func TestStructuredOverlapBoostsAgreement(t *testing.T) {
	findings := []Finding{{Type: "nodule", Location: "right upper lobe"}}
	withFindings := Compute(map[string]ModeOutput{
		"V":  {Text: "a small nodule is seen"},
		"VL": {Text: "nodule identified, otherwise unremarkable"},
	}, Options{StructuredFindings: findings})
	withoutFindings := Compute(map[string]ModeOutput{
		"V":  {Text: "a small nodule is seen"},
		"VL": {Text: "nodule identified, otherwise unremarkable"},
	}, Options{})
	if withFindings.AgreementScore <= withoutFindings.AgreementScore {
		t.Fatalf("expected structured findings to boost agreement: with=%v without=%v",
			withFindings.AgreementScore, withoutFindings.AgreementScore)
	}
}
