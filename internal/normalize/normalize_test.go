// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package normalize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/registry"
)

type fakeVLM struct {
	output string
	model  string
	err    error
	calls  int
}

func (f *fakeVLM) Generate(ctx context.Context, imageBytes []byte, prompt string, task llmclient.Task) (llmclient.GenerateResult, error) {
	f.calls++
	if f.err != nil {
		return llmclient.GenerateResult{}, f.err
	}
	return llmclient.GenerateResult{Output: f.output, Model: f.model, LatencyMS: 12}, nil
}
func (f *fakeVLM) Model() string                     { return f.model }
func (f *fakeVLM) Healthy(ctx context.Context) error { return nil }

func writeTempImage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.png")
	if err := os.WriteFile(path, []byte("not-a-real-png"), 0o644); err != nil {
		t.Fatalf("write fixture image: %v", err)
	}
	return path
}

func TestNormalizeParsesJSONOutput(t *testing.T) {
	imagePath := writeTempImage(t)
	vlm := &fakeVLM{
		model:  "vlm-test",
		output: `{"image":{"modality":"CT"},"report":{"text":"small nodule noted","conf":0.9},"findings":[{"type":"Nodule","location":"Right upper lobe","size_cm":1.23,"conf":0.88}]}`,
	}
	n := New(vlm, nil, "")
	bundle, err := n.Normalize(context.Background(), Request{ImagePath: imagePath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Image.Modality != "CT" {
		t.Fatalf("expected modality CT, got %q", bundle.Image.Modality)
	}
	if len(bundle.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(bundle.Findings))
	}
	if bundle.Findings[0].SizeCM == nil || *bundle.Findings[0].SizeCM != 1.2 {
		t.Fatalf("expected size_cm rounded to 1.2, got %+v", bundle.Findings[0].SizeCM)
	}
	if bundle.Report.Conf != 0.9 {
		t.Fatalf("expected report conf 0.9, got %v", bundle.Report.Conf)
	}
}

func TestNormalizeFallsBackToRegistryWhenFindingsEmpty(t *testing.T) {
	imagePath := writeTempImage(t)
	dir := t.TempDir()
	csvContent := "id,image_id,type,location,size_cm,conf,source\nF001,IMG_001,Nodule,Right upper lobe,1.1,0.8,mock_seed\n"
	if err := os.WriteFile(filepath.Join(dir, "findings.csv"), []byte(csvContent), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	findingsReg, err := registry.LoadFindingRegistry(dir)
	if err != nil {
		t.Fatalf("load finding registry: %v", err)
	}

	vlm := &fakeVLM{model: "vlm-test", output: `{"caption":"no structured findings parsed"}`}
	n := New(vlm, findingsReg, "")
	bundle, err := n.Normalize(context.Background(), Request{ImagePath: imagePath, ImageID: "img_001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bundle.FindingFallback.Used || !bundle.FindingFallback.RegistryHit {
		t.Fatalf("expected registry fallback to be used, got %+v", bundle.FindingFallback)
	}
	if bundle.FindingFallback.Strategy != "mock_seed" {
		t.Fatalf("expected mock_seed strategy, got %q", bundle.FindingFallback.Strategy)
	}
	if len(bundle.Findings) != 1 || bundle.Findings[0].Type != "Nodule" {
		t.Fatalf("expected seeded finding, got %+v", bundle.Findings)
	}
}

func TestNormalizeFallsBackToCaptionKeywords(t *testing.T) {
	imagePath := writeTempImage(t)
	vlm := &fakeVLM{model: "vlm-test", output: `{"caption":"subtle nodule in the RUL measuring 1.4 cm"}`}
	n := New(vlm, nil, "")
	bundle, err := n.Normalize(context.Background(), Request{ImagePath: imagePath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.FindingFallback.Strategy != "caption_keywords" {
		t.Fatalf("expected caption_keywords strategy, got %q", bundle.FindingFallback.Strategy)
	}
	if len(bundle.Findings) != 1 || bundle.Findings[0].Location != "right upper lobe" {
		t.Fatalf("expected RUL mapped to right upper lobe, got %+v", bundle.Findings)
	}
	if bundle.Findings[0].SizeCM == nil || *bundle.Findings[0].SizeCM != 1.4 {
		t.Fatalf("expected size_cm 1.4, got %+v", bundle.Findings[0].SizeCM)
	}
}

func TestNormalizeCachesAndSkipsVLMOnSecondCall(t *testing.T) {
	imagePath := writeTempImage(t)
	cacheDir := t.TempDir()
	vlm := &fakeVLM{model: "vlm-test", output: `{"caption":"no nodule seen","findings":[{"type":"Nodule","location":"Liver","conf":0.7}]}`}
	n := New(vlm, nil, cacheDir)

	req := Request{ImagePath: imagePath, CacheEnabled: true, CacheSeed: "seed-1"}
	first, err := n.Normalize(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.CacheHit {
		t.Fatalf("expected first call to be a cache miss")
	}
	if vlm.calls != 1 {
		t.Fatalf("expected 1 vlm call, got %d", vlm.calls)
	}

	second, err := n.Normalize(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected second call to hit the cache")
	}
	if vlm.calls != 1 {
		t.Fatalf("expected vlm to not be called again, got %d calls", vlm.calls)
	}
}

func TestNormalizeMissingFileReturnsError(t *testing.T) {
	n := New(&fakeVLM{}, nil, "")
	if _, err := n.Normalize(context.Background(), Request{}); err != ErrMissingFile {
		t.Fatalf("expected ErrMissingFile, got %v", err)
	}
}
