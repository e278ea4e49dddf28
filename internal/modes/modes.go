// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modes implements C5: the three one-line-summary strategies run
// per analyze request. V reuses the VLM's own report text, with whitespace
// collapsed and clamped to the character budget. VL asks
// the text LLM to restate the caption. VGL asks the same LLM to restate the
// graph evidence, falling back to the VL strategy when there is no graph
// context to restate.
package modes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/normalize"
)

// ErrEmptyInput is returned when a mode has nothing to summarise: V and VL
// both require a non-empty caption/report text from the normalised bundle.
var ErrEmptyInput = errors.New("modes: no caption or report text to summarise")

const captionToSummaryPrompt = "[Image Caption]\n%s\n\n[Task]\n" +
	"위 캡션만 근거로, 한국어 한 줄 소견을 작성하라.\n" +
	"추정/상상 금지. 최대 30자."

const graphToSummaryPrompt = "[Graph Context]\n%s\n\n[Task]\n" +
	"위 컨텍스트만 근거로 한국어 한 줄 소견을 작성하라.\n" +
	"새로운 사실 추가 금지. 불확실하면 \"추가 검사 권고\".\n" +
	"최대 30자."

// llmTemperature is fixed low: these prompts ask for a single terse
// restatement, not creative generation.
const llmTemperature = 0.2

// Result is one mode's output, ready to fold into consensus.ModeOutput.
type Result struct {
	Text      string
	LatencyMS int
	// Degraded is "" for a clean run, or "VL" when a VGL call had no graph
	// evidence, whether it then fell back to the VL strategy or, with the
	// fallback declined, returned an empty result.
	Degraded string
	Reason   string
}

func clampOneLine(text string, maxChars int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	runes := []rune(cleaned)
	if maxChars <= 0 || len(runes) <= maxChars {
		return cleaned
	}
	return string(runes[:maxChars])
}

func captionOf(normalized normalize.Bundle) string {
	if text := strings.TrimSpace(normalized.Report.Text); text != "" {
		return text
	}
	return strings.TrimSpace(normalized.Caption)
}

// RunV restates the VLM's own report text, clamped to maxChars. It never
// calls out to an LLM, so it is synchronous and carries no latency.
func RunV(normalized normalize.Bundle, maxChars int) (Result, error) {
	caption := captionOf(normalized)
	if caption == "" {
		return Result{}, ErrEmptyInput
	}
	return Result{Text: clampOneLine(caption, maxChars)}, nil
}

// RunVL asks llm to restate the caption as a one-line Korean finding,
// forbidding speculation beyond the caption text.
func RunVL(ctx context.Context, llm llmclient.LLMRunner, normalized normalize.Bundle, maxChars int) (Result, error) {
	caption := captionOf(normalized)
	if caption == "" {
		return Result{}, ErrEmptyInput
	}
	prompt := fmt.Sprintf(captionToSummaryPrompt, caption)
	start := time.Now()
	gen, err := llm.Generate(ctx, prompt, llmTemperature)
	if err != nil {
		return Result{}, fmt.Errorf("modes: vl generate: %w", err)
	}
	latency := gen.LatencyMS
	if latency == 0 {
		latency = int(time.Since(start).Milliseconds())
	}
	return Result{Text: clampOneLine(gen.Output, maxChars), LatencyMS: latency}, nil
}

// RunVGL asks llm to restate the graph evidence (triples) as a one-line
// Korean finding. When triples is empty there is nothing graph-grounded to
// restate, so it falls back to the VL strategy (when fallbackToVL is set)
// and marks the result Degraded="VL", or returns an explicit empty result
// when the caller declined the fallback.
func RunVGL(ctx context.Context, llm llmclient.LLMRunner, imageID, triples string, maxChars int, fallbackToVL bool, normalized normalize.Bundle) (Result, error) {
	if strings.TrimSpace(triples) == "" {
		if !fallbackToVL {
			return Result{
				Degraded: "VL",
				Reason:   "graph_evidence_missing_or_findings_empty",
			}, nil
		}
		result, err := RunVL(ctx, llm, normalized, maxChars)
		if err != nil {
			return Result{}, err
		}
		result.Degraded = "VL"
		result.Reason = "graph context empty; fell back to VL"
		return result, nil
	}

	prompt := fmt.Sprintf(graphToSummaryPrompt, triples)
	start := time.Now()
	gen, err := llm.Generate(ctx, prompt, llmTemperature)
	if err != nil {
		return Result{}, fmt.Errorf("modes: vgl generate: %w", err)
	}
	latency := gen.LatencyMS
	if latency == 0 {
		latency = int(time.Since(start).Milliseconds())
	}
	return Result{Text: clampOneLine(gen.Output, maxChars), LatencyMS: latency}, nil
}
