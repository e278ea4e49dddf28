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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	medconfig "github.com/AleutianAI/medgraph/internal/config"
	contextbuilder "github.com/AleutianAI/medgraph/internal/context"
	"github.com/AleutianAI/medgraph/internal/graphstore/memstore"
	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/normalize"
	"github.com/AleutianAI/medgraph/internal/pipeline"
	"github.com/AleutianAI/medgraph/internal/registry"
)

var replayCmd = &cobra.Command{
	Use:   "replay <request.json>",
	Short: "Run one analyze payload through the in-process pipeline against an in-memory graph",
	Long: `replay loads a JSON request in the same shape as the /pipeline/analyze
body, runs it through the full pipeline against an internal/graphstore/memstore
graph, and prints the result — for reproducing a reported case locally without
a live Weaviate instance. It still dials the configured VLM/LLM endpoints
(LLM_HOST/VLM_HOST), since mode output is the thing usually under test.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var replayTrace bool

func init() {
	replayCmd.Flags().BoolVar(&replayTrace, "trace", false, "print orchestrator spans (degraded/fallback events) to stdout")
}

// installStdoutTracer wires a synchronous stdout span exporter so a local
// replay run's degraded/fallback span events are visible without a running
// OTel collector.
func installStdoutTracer() (func(context.Context), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	return func(ctx context.Context) { _ = provider.Shutdown(ctx) }, nil
}

// replayRequest mirrors httpapi.AnalyzeRequest's wire shape so a captured
// /pipeline/analyze payload can be replayed unmodified.
type replayRequest struct {
	CaseID       string         `json:"case_id"`
	ImageID      string         `json:"image_id"`
	FilePath     string         `json:"file_path"`
	Modes        []string       `json:"modes"`
	K            int            `json:"k"`
	MaxChars     int            `json:"max_chars"`
	FallbackToVL *bool          `json:"fallback_to_vl"`
	TimeoutMS    int            `json:"timeout_ms"`
	Parameters   map[string]any `json:"parameters"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("replay: read %s: %w", args[0], err)
	}
	var rr replayRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("replay: parse %s: %w", args[0], err)
	}

	cfg, err := medconfig.Load()
	if err != nil {
		return fmt.Errorf("replay: load configuration: %w", err)
	}

	vlm := llmclient.NewVisionRunner(llmclient.Config{BaseURL: cfg.VLMHost, Model: cfg.VLMModel, Timeout: cfg.VLMTimeout})
	llm := llmclient.NewTextRunner(llmclient.Config{BaseURL: cfg.LLMHost, Model: cfg.LLMModel, Timeout: cfg.LLMTimeout})
	graph := memstore.New()

	var findingReg *registry.FindingRegistry
	if cfg.MedicalDummyDir != "" {
		findingReg, _ = registry.LoadFindingRegistry(cfg.MedicalDummyDir)
	}
	var reg *registry.Registry
	if cfg.MedicalDummyDir != "" {
		reg = registry.New(cfg.MedicalDummyDir)
		_ = reg.Load()
	}

	deps := pipeline.Dependencies{
		Normaliser: normalize.New(vlm, findingReg, cfg.VisionDebugCacheDir),
		Registry:   reg,
		Graph:      graph,
		Context:    contextbuilder.New(graph),
		LLM:        llm,
	}
	orchestrator := pipeline.New(deps)

	if replayTrace {
		shutdown, err := installStdoutTracer()
		if err != nil {
			return fmt.Errorf("replay: install trace exporter: %w", err)
		}
		defer shutdown(context.Background())
	}

	k := rr.K
	if k == 0 {
		k = cfg.DefaultK
	}
	maxChars := rr.MaxChars
	if maxChars == 0 {
		maxChars = cfg.DefaultMaxChars
	}
	fallbackToVL := cfg.DefaultFallbackToVL
	if rr.FallbackToVL != nil {
		fallbackToVL = *rr.FallbackToVL
	}
	timeoutMS := rr.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = cfg.DefaultTimeoutMS
	}
	params := rr.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["k_similarity"]; !ok {
		params["k_similarity"] = k
	}

	req := pipeline.Request{
		CaseID:       rr.CaseID,
		ImageID:      rr.ImageID,
		ImagePath:    rr.FilePath,
		Modes:        rr.Modes,
		MaxChars:     maxChars,
		FallbackToVL: fallbackToVL,
		Debug:        true,
		CacheEnabled: true,
		Parameters:   params,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	result, err := orchestrator.Analyze(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: pipeline error: %v\n", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
