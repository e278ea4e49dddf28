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

func writeFixture(t *testing.T, dir string) {
	t.Helper()
	imaging := "id,file_path,modality\nIMG_001,/data/dummy/img_001.png,CT\nIMG-002,/data/dummy/scan-two.png,US\n"
	if err := os.WriteFile(filepath.Join(dir, "imaging.csv"), []byte(imaging), 0o644); err != nil {
		t.Fatalf("write imaging.csv: %v", err)
	}
	aliases := "alias,image_id\nlegacy-scan.png,img_002\n"
	if err := os.WriteFile(filepath.Join(dir, "imaging_aliases.csv"), []byte(aliases), 0o644); err != nil {
		t.Fatalf("write imaging_aliases.csv: %v", err)
	}
}

func TestResolveByIDFindsSeededRow(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	result, ok := reg.ResolveByID("img-001")
	if !ok {
		t.Fatalf("expected IMG_001 to resolve")
	}
	if result.ImageID != "IMG_001" || result.Modality != "CT" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestResolveByPathUsesExactFilenameAlias(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	result, ok := reg.ResolveByPath("/incoming/scan-two.png")
	if !ok {
		t.Fatalf("expected filename match for scan-two.png")
	}
	if result.ImageID != "IMG_002" || result.Source != "alias" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestResolveByPathFallsBackToEmbeddedIdentifier(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	result, ok := reg.ResolveByPath("/tmp/export/img_001_final.dcm")
	if !ok {
		t.Fatalf("expected embedded IMG_001 pattern to resolve")
	}
	if result.ImageID != "IMG_001" || result.Source != "filename" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestResolveByIDMissingReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := reg.ResolveByID("IMG_999"); ok {
		t.Fatalf("expected no match for unseeded id")
	}
}

func TestLoadToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("expected missing CSVs to be tolerated, got %v", err)
	}
	if _, ok := reg.ResolveByID("IMG_001"); ok {
		t.Fatalf("expected empty registry to have no matches")
	}
}

func TestNormaliseIDRejectsBlank(t *testing.T) {
	if _, err := NormaliseID("   "); err == nil {
		t.Fatalf("expected blank id to be rejected")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	reg := New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := reg.ResolveByID("IMG_003"); ok {
		t.Fatalf("expected IMG_003 absent before reload")
	}

	extra := "id,file_path,modality\nIMG_003,/data/dummy/img_003.png,XR\n"
	if err := os.WriteFile(filepath.Join(dir, "imaging.csv"), []byte(extra), 0o644); err != nil {
		t.Fatalf("rewrite imaging.csv: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reg.ResolveByID("IMG_003"); !ok {
		t.Fatalf("expected IMG_003 present after reload")
	}
}
