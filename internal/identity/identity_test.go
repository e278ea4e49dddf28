// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/medgraph/internal/registry"
)

func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	imaging := "id,file_path,modality\nIMG_001,/data/dummy/img_001.png,CT\n"
	if err := os.WriteFile(filepath.Join(dir, "imaging.csv"), []byte(imaging), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	reg := registry.New(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestResolvePrefersExplicitPayloadImageID(t *testing.T) {
	id, _, err := Resolve(Payload{ImageID: "img-999"}, NormalizedImage{}, "", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ImageID != "IMG_999" || id.ImageIDSource != "payload" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveRejectsBlankPayloadImageID(t *testing.T) {
	_, _, err := Resolve(Payload{ImageID: "   "}, NormalizedImage{}, "", "", nil)
	if err != ErrBlankImageID {
		t.Fatalf("expected ErrBlankImageID, got %v", err)
	}
}

func TestResolveUsesRegistryLookupByPath(t *testing.T) {
	reg := seededRegistry(t)
	id, patch, err := Resolve(Payload{}, NormalizedImage{}, "/mnt/data/medical_dummy/img_001.png", "/mnt/data/medical_dummy/img_001.png", reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ImageID != "IMG_001" || id.ImageIDSource != "dummy_lookup" || !id.SeedHit {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if patch.Modality != "CT" {
		t.Fatalf("expected registry modality to backfill normalized image, got %+v", patch)
	}
}

func TestResolveFallsBackToSlugWhenUnregistered(t *testing.T) {
	id, _, err := Resolve(Payload{}, NormalizedImage{}, "/tmp/uploads/unknown-scan.png", "/tmp/uploads/unknown-scan.png", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.ImageIDSource != "file_path" {
		t.Fatalf("expected file_path source, got %q", id.ImageIDSource)
	}
	if id.ImageID == "" {
		t.Fatalf("expected a derived slug identifier")
	}
}

func TestResolveFailsWhenNothingIdentifiesTheImage(t *testing.T) {
	_, _, err := Resolve(Payload{}, NormalizedImage{}, "", "", nil)
	if err != ErrUnidentifiable {
		t.Fatalf("expected ErrUnidentifiable, got %v", err)
	}
}

func TestResolveCaseIDPrefersIdempotencyKey(t *testing.T) {
	id, _, err := Resolve(Payload{ImageID: "img_005", IdempotencyKey: "req-42"}, NormalizedImage{}, "", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.CaseID != "CASE_REQ_42" {
		t.Fatalf("expected case id derived from idempotency key, got %q", id.CaseID)
	}
}

func TestResolveDerivesCanonicalStorageURIForImgPattern(t *testing.T) {
	id, _, err := Resolve(Payload{ImageID: "IMG_042"}, NormalizedImage{}, "", "/tmp/img_042.png", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "/mnt/data/medical_dummy/images/img_042.png"
	if id.StorageURI != expected {
		t.Fatalf("expected %q, got %q", expected, id.StorageURI)
	}
}
