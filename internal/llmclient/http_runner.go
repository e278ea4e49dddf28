// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("medgraph.llmclient")

var (
	metricsOnce     sync.Once
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("medgraph.llmclient")
		var err error
		requestDuration, err = meter.Float64Histogram(
			"medgraph_runner_request_duration_seconds",
			metric.WithDescription("Duration of VLM/LLM HTTP runner calls"),
		)
		if err != nil {
			requestDuration = nil
		}
		requestErrors, err = meter.Int64Counter(
			"medgraph_runner_request_errors_total",
			metric.WithDescription("Total VLM/LLM HTTP runner errors"),
		)
		if err != nil {
			requestErrors = nil
		}
	})
}

// Config configures one HTTP-backed runner.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// RequestsPerSecond bounds outbound call rate; zero disables limiting.
	RequestsPerSecond float64
}

// httpClient is the shared transport used by VisionRunner and TextRunner:
// a context-bounded http.Client, an optional token-bucket limiter, and
// OTel duration/error instruments. Neither public type exposes this type
// directly, since VLMRunner.Generate and LLMRunner.Generate have
// incompatible signatures and cannot live on one receiver.
type httpClient struct {
	client  *http.Client
	baseURL string
	model   string
	limiter *rate.Limiter
	kind    string
}

func newHTTPClient(cfg Config, kind string) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	initMetrics()
	return &httpClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		limiter: limiter,
		kind:    kind,
	}
}

func (c *httpClient) await(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *httpClient) observe(latency time.Duration, err error) {
	if requestDuration != nil {
		requestDuration.Record(context.Background(), latency.Seconds(), metric.WithAttributes(attribute.String("kind", c.kind)))
	}
	if err != nil && requestErrors != nil {
		requestErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", c.kind)))
	}
}

func (c *httpClient) healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("llmclient: build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("llmclient: %s health probe: %w", c.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llmclient: %s health probe returned %d", c.kind, resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// VisionRunner implements VLMRunner against POST <host>/api/v1/vision.
//
// # Thread Safety
//
// Safe for concurrent use.
type VisionRunner struct {
	c *httpClient
}

// NewVisionRunner constructs a VisionRunner from cfg.
func NewVisionRunner(cfg Config) *VisionRunner {
	return &VisionRunner{c: newHTTPClient(cfg, "vlm")}
}

// Model returns the configured default model name.
func (r *VisionRunner) Model() string { return r.c.model }

// Healthy probes <host>/api/tags, the teacher's liveness-check idiom for
// Ollama-shaped backends, reused here since the VLM wire contract has no
// dedicated health endpoint of its own.
func (r *VisionRunner) Healthy(ctx context.Context) error { return r.c.healthy(ctx) }

type visionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Task        string   `json:"task"`
	Temperature float64  `json:"temperature"`
	Images      []string `json:"images"`
}

type visionResponse struct {
	Result string `json:"result"`
	Model  string `json:"model"`
}

// Generate POSTs imageBytes+prompt to <host>/api/v1/vision and returns
// the decoded result.
func (r *VisionRunner) Generate(ctx context.Context, imageBytes []byte, prompt string, task Task) (GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "VisionRunner.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llmclient.model", r.c.model), attribute.String("llmclient.task", string(task)))

	if err := r.c.await(ctx); err != nil {
		return GenerateResult{}, err
	}

	payload := visionRequest{
		Model:       r.c.model,
		Prompt:      prompt,
		Task:        string(task),
		Temperature: 0.2,
		Images:      []string{base64.StdEncoding.EncodeToString(imageBytes)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return GenerateResult{}, fmt.Errorf("llmclient: marshal vision request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.c.baseURL+"/api/v1/vision", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: build vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.c.client.Do(req)
	latency := time.Since(start)
	r.c.observe(latency, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return GenerateResult{}, fmt.Errorf("llmclient: vision request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: read vision response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("llmclient: vision request returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var decoded visionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: decode vision response: %w", err)
	}
	model := decoded.Model
	if model == "" {
		model = r.c.model
	}
	return GenerateResult{Output: decoded.Result, Model: model, LatencyMS: int(latency.Milliseconds())}, nil
}

// TextRunner implements LLMRunner against POST <host>/api/generate.
//
// # Thread Safety
//
// Safe for concurrent use.
type TextRunner struct {
	c *httpClient
}

// NewTextRunner constructs a TextRunner from cfg.
func NewTextRunner(cfg Config) *TextRunner {
	return &TextRunner{c: newHTTPClient(cfg, "llm")}
}

// Model returns the configured default model name.
func (r *TextRunner) Model() string { return r.c.model }

// Healthy probes <host>/api/tags.
func (r *TextRunner) Healthy(ctx context.Context) error { return r.c.healthy(ctx) }

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// Generate POSTs prompt to <host>/api/generate and returns the decoded
// response text.
func (r *TextRunner) Generate(ctx context.Context, prompt string, temperature float64) (GenerateResult, error) {
	ctx, span := tracer.Start(ctx, "TextRunner.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llmclient.model", r.c.model))

	if err := r.c.await(ctx); err != nil {
		return GenerateResult{}, err
	}

	payload := generateRequest{
		Model:  r.c.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": temperature,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: marshal generate request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.c.client.Do(req)
	latency := time.Since(start)
	r.c.observe(latency, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return GenerateResult{}, fmt.Errorf("llmclient: generate request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, fmt.Errorf("llmclient: generate request returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return GenerateResult{}, fmt.Errorf("llmclient: decode generate response: %w", err)
	}
	model := decoded.Model
	if model == "" {
		model = r.c.model
	}
	return GenerateResult{Output: decoded.Response, Model: model, LatencyMS: int(latency.Milliseconds())}, nil
}

var (
	_ VLMRunner = (*VisionRunner)(nil)
	_ LLMRunner = (*TextRunner)(nil)
)
