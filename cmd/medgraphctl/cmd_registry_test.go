// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadRegistriesCountsSeededRows(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "imaging.csv", "id,file_path,modality\nIMG_001,/data/img001.png,CT\nIMG_002,/data/img002.png,MR\n")
	writeCSV(t, dir, "findings.csv", "id,image_id,type,location,size_cm,conf,source\nF1,IMG_001,nodule,RUL,1.2,0.8,mock_seed\n")

	reg, findingReg, err := loadRegistries(dir)
	if err != nil {
		t.Fatalf("loadRegistries: %v", err)
	}
	if got := reg.Count(); got != 2 {
		t.Fatalf("expected 2 images loaded, got %d", got)
	}
	if got := findingReg.Count(); got != 1 {
		t.Fatalf("expected 1 image with seeded findings, got %d", got)
	}
}

func TestLoadRegistriesToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	reg, findingReg, err := loadRegistries(dir)
	if err != nil {
		t.Fatalf("loadRegistries: %v", err)
	}
	if got := reg.Count(); got != 0 {
		t.Fatalf("expected 0 images, got %d", got)
	}
	if got := findingReg.Count(); got != 0 {
		t.Fatalf("expected 0 images with findings, got %d", got)
	}
}
