// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ontology

import "testing"

func TestResolveCanonical(t *testing.T) {
	value, source := Resolve(Label, "Nodule")
	if value != "Nodule" || source != "canonical" {
		t.Fatalf("got (%q,%q)", value, source)
	}
}

func TestResolveAlias(t *testing.T) {
	value, source := Resolve(Label, "결절")
	if value != "Nodule" {
		t.Fatalf("expected Nodule, got %q", value)
	}
	if source != "alias:결절" {
		t.Fatalf("expected alias source, got %q", source)
	}
}

func TestResolveCaseAndPunctuationInsensitive(t *testing.T) {
	value, _ := Resolve(Location, "RML")
	if value != "Right middle lobe" {
		t.Fatalf("expected Right middle lobe, got %q", value)
	}
}

func TestCanonicaliseRejectsUnknown(t *testing.T) {
	if _, ok := Canonicalise(Label, "totally-unknown-finding"); ok {
		t.Fatalf("expected unknown label to be rejected")
	}
}

func TestCanonicaliseAcceptsAliasAndCanonical(t *testing.T) {
	if value, ok := Canonicalise(Label, "infiltrate"); !ok || value != "Opacity" {
		t.Fatalf("expected Opacity via alias, got (%q,%v)", value, ok)
	}
	if value, ok := Canonicalise(Location, "Liver"); !ok || value != "Liver" {
		t.Fatalf("expected Liver canonical, got (%q,%v)", value, ok)
	}
}

func TestCanonicaliseEmpty(t *testing.T) {
	if _, ok := Canonicalise(Label, "   "); ok {
		t.Fatalf("expected blank input to be rejected")
	}
}

func TestRankOrdering(t *testing.T) {
	if Rank("Subarachnoid Hemorrhage") >= Rank("Ischemic") {
		t.Fatalf("expected SAH to outrank Ischemic")
	}
	if Rank("unknown-label") <= Rank("Ischemic") {
		t.Fatalf("expected unknown labels to rank last")
	}
}
