// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindingRegistryResolvesSeededSet(t *testing.T) {
	dir := t.TempDir()
	csvContent := "id,image_id,type,location,size_cm,conf,source\n" +
		"F201,IMG201,Nodule,Right upper lobe,1.2,0.91,mock_seed\n" +
		"F202,IMG201,Opacity,Left lower lobe,,0.7,mock_seed\n"
	if err := os.WriteFile(filepath.Join(dir, "findings.csv"), []byte(csvContent), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg, err := LoadFindingRegistry(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stubs := reg.Resolve("img201")
	if len(stubs) != 2 {
		t.Fatalf("expected 2 seeded findings, got %d", len(stubs))
	}
	if stubs[0].FindingID != "F201" || stubs[1].FindingID != "F202" {
		t.Fatalf("expected ordered findings, got %+v", stubs)
	}
	if stubs[0].SizeCM == nil || *stubs[0].SizeCM != 1.2 {
		t.Fatalf("expected size_cm 1.2, got %+v", stubs[0].SizeCM)
	}
	if stubs[1].SizeCM != nil {
		t.Fatalf("expected nil size_cm for blank column, got %v", *stubs[1].SizeCM)
	}
}

func TestFindingRegistryUnknownReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	reg, err := LoadFindingRegistry(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stubs := reg.Resolve("unknown"); len(stubs) != 0 {
		t.Fatalf("expected no seeded findings, got %+v", stubs)
	}
}
