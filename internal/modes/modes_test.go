// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/normalize"
)

type fakeLLM struct {
	output    string
	err       error
	sawPrompt string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, temperature float64) (llmclient.GenerateResult, error) {
	f.sawPrompt = prompt
	if f.err != nil {
		return llmclient.GenerateResult{}, f.err
	}
	return llmclient.GenerateResult{Output: f.output, Model: "fake-llm", LatencyMS: 42}, nil
}
func (f *fakeLLM) Model() string                    { return "fake-llm" }
func (f *fakeLLM) Healthy(ctx context.Context) error { return nil }

func bundleWithCaption(caption string) normalize.Bundle {
	return normalize.Bundle{Report: normalize.Report{Text: caption}}
}

func TestRunVClampsReportTextToMaxChars(t *testing.T) {
	b := bundleWithCaption("A   nodule  is seen in the right middle lobe measuring 1.2 cm.")
	result, err := RunV(b, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Text) != 20 {
		t.Fatalf("expected text clamped to 20 chars, got %q (%d)", result.Text, len(result.Text))
	}
	if strings.Contains(result.Text, "  ") {
		t.Fatalf("expected collapsed whitespace, got %q", result.Text)
	}
}

func TestRunVRejectsEmptyInput(t *testing.T) {
	if _, err := RunV(normalize.Bundle{}, 30); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestRunVLSendsCaptionPromptAndClampsOutput(t *testing.T) {
	llm := &fakeLLM{output: "결절 의심 소견, 추가 검사 권고됩니다 정말로 깁니다"}
	b := bundleWithCaption("nodule noted")
	result, err := RunVL(context.Background(), llm, b, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(llm.sawPrompt, "nodule noted") {
		t.Fatalf("expected the caption folded into the prompt, got %q", llm.sawPrompt)
	}
	if len([]rune(result.Text)) > 10 {
		t.Fatalf("expected output clamped to 10 runes, got %q", result.Text)
	}
	if result.LatencyMS != 42 {
		t.Fatalf("expected latency passed through from the generate result, got %d", result.LatencyMS)
	}
}

func TestRunVLRejectsEmptyInput(t *testing.T) {
	llm := &fakeLLM{output: "ignored"}
	if _, err := RunVL(context.Background(), llm, normalize.Bundle{}, 30); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestRunVLPropagatesGenerateError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("backend unavailable")}
	b := bundleWithCaption("nodule noted")
	if _, err := RunVL(context.Background(), llm, b, 30); err == nil {
		t.Fatalf("expected the generate error to propagate")
	}
}

func TestRunVGLUsesGraphPromptWhenTriplesPresent(t *testing.T) {
	llm := &fakeLLM{output: "그래프 근거 기반 소견"}
	b := bundleWithCaption("nodule noted")
	result, err := RunVGL(context.Background(), llm, "IMG_001", "(f1)-[HAS_FINDING]->(nodule)", 30, true, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Degraded != "" {
		t.Fatalf("expected a clean VGL run, got degraded=%q", result.Degraded)
	}
	if !strings.Contains(llm.sawPrompt, "HAS_FINDING") {
		t.Fatalf("expected the triples folded into the prompt, got %q", llm.sawPrompt)
	}
}

func TestRunVGLFallsBackToVLWhenTriplesEmptyAndFallbackAllowed(t *testing.T) {
	llm := &fakeLLM{output: "캡션 기반 소견"}
	b := bundleWithCaption("nodule noted")
	result, err := RunVGL(context.Background(), llm, "IMG_001", "", 30, true, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Degraded != "VL" {
		t.Fatalf("expected Degraded=\"VL\" on fallback, got %q", result.Degraded)
	}
	if result.Reason == "" {
		t.Fatalf("expected a fallback reason to be recorded")
	}
	if !strings.Contains(llm.sawPrompt, "nodule noted") {
		t.Fatalf("expected the VL fallback to use the caption prompt, got %q", llm.sawPrompt)
	}
}

func TestRunVGLReturnsEmptyDegradedResultWhenFallbackDeclined(t *testing.T) {
	llm := &fakeLLM{output: "unused"}
	b := bundleWithCaption("nodule noted")
	result, err := RunVGL(context.Background(), llm, "IMG_001", "", 30, false, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "" || result.Degraded != "VL" {
		t.Fatalf("expected an empty degraded result, got %+v", result)
	}
	if llm.sawPrompt != "" {
		t.Fatalf("expected no LLM call when fallback is declined, got prompt %q", llm.sawPrompt)
	}
}
