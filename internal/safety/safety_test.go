// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import "testing"

func TestInferExpectedOrganMatchesPathSubstrings(t *testing.T) {
	cases := map[string]string{
		"/data/brain/IMG_001.png":   "brain",
		"/data/head_ct/scan.png":    "brain",
		"/data/liver/IMG_002.png":   "liver",
		"/data/abdomen/scan.png":    "liver",
		"/data/chest/IMG_003.png":   "lung",
		"/data/unrelated/scan.png":  "",
		"":                          "",
	}
	for path, want := range cases {
		if got := InferExpectedOrgan(path); got != want {
			t.Fatalf("InferExpectedOrgan(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestCheckIsNoOpWhenExpectedOrganIsEmpty(t *testing.T) {
	v := Check("", "Findings suggest a brain infarct.")
	if v.Triggered {
		t.Fatalf("expected no guard trigger without an expected organ, got %+v", v)
	}
}

func TestCheckIsNoOpWhenTextStaysOnExpectedOrgan(t *testing.T) {
	v := Check("brain", "Findings suggest a cerebral infarct consistent with stroke.")
	if v.Triggered {
		t.Fatalf("expected no guard trigger when text matches the expected organ, got %+v", v)
	}
}

func TestCheckTriggersOnSingleOffendingOrgan(t *testing.T) {
	v := Check("liver", "Findings suggest a pulmonary nodule.")
	if !v.Triggered {
		t.Fatalf("expected guard to trigger on an unrelated organ mention")
	}
	if len(v.OffendingOrgans) != 1 || v.OffendingOrgans[0] != "lung" {
		t.Fatalf("expected offending organ \"lung\", got %+v", v.OffendingOrgans)
	}
	wantNote := " | Guard: ['lung'] terms inconsistent with expected liver"
	if v.Note != wantNote {
		t.Fatalf("unexpected note: got %q want %q", v.Note, wantNote)
	}
	if v.PresentedText != presentedTextOnTrigger {
		t.Fatalf("expected the low-confidence Korean message, got %q", v.PresentedText)
	}
}

func TestCheckTriggersOnMultipleOffendingOrgansInDeclarationOrder(t *testing.T) {
	v := Check("liver", "Brain infarct noted along with cardiac strain.")
	if len(v.OffendingOrgans) != 2 || v.OffendingOrgans[0] != "brain" || v.OffendingOrgans[1] != "heart" {
		t.Fatalf("expected [brain heart] in that order, got %+v", v.OffendingOrgans)
	}
	wantNote := " | Guard: ['brain', 'heart'] terms inconsistent with expected liver"
	if v.Note != wantNote {
		t.Fatalf("unexpected note: got %q want %q", v.Note, wantNote)
	}
}

func TestCheckIgnoresCaseOfConsensusText(t *testing.T) {
	v := Check("lung", "HEPATIC lesion suspected.")
	if !v.Triggered || len(v.OffendingOrgans) != 1 || v.OffendingOrgans[0] != "liver" {
		t.Fatalf("expected case-insensitive match on \"HEPATIC\", got %+v", v)
	}
}
