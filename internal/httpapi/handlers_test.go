// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	contextbuilder "github.com/AleutianAI/medgraph/internal/context"
	"github.com/AleutianAI/medgraph/internal/graphstore/memstore"
	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/normalize"
	"github.com/AleutianAI/medgraph/internal/pipeline"
)

type stubVLM struct{ output string }

func (s *stubVLM) Generate(ctx context.Context, imageBytes []byte, prompt string, task llmclient.Task) (llmclient.GenerateResult, error) {
	return llmclient.GenerateResult{Output: s.output, Model: "stub-vlm", LatencyMS: 5}, nil
}
func (s *stubVLM) Model() string                     { return "stub-vlm" }
func (s *stubVLM) Healthy(ctx context.Context) error { return nil }

type stubLLM struct{ output string }

func (s *stubLLM) Generate(ctx context.Context, prompt string, temperature float64) (llmclient.GenerateResult, error) {
	return llmclient.GenerateResult{Output: s.output, Model: "stub-llm", LatencyMS: 5}, nil
}
func (s *stubLLM) Model() string                     { return "stub-llm" }
func (s *stubLLM) Healthy(ctx context.Context) error { return nil }

func newTestServer() *Server {
	graph := memstore.New()
	vlm := &stubVLM{output: `{"report":{"text":"no acute findings"},"findings":[]}`}
	llm := &stubLLM{output: "이상 없음"}
	deps := pipeline.Dependencies{
		Normaliser: normalize.New(vlm, nil, ""),
		Registry:   nil,
		Graph:      graph,
		Context:    contextbuilder.New(graph),
		LLM:        llm,
	}
	orch := pipeline.New(deps)
	return NewServer(orch, deps, nil, "")
}

func newTestRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, s)
	return router
}

func TestHealthzReturnsOK(t *testing.T) {
	router := newTestRouter(newTestServer())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthSubProbesReportUp(t *testing.T) {
	router := newTestRouter(newTestServer())
	for _, path := range []string{"/health/llm", "/health/vlm", "/health/graph"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestAnalyzeRejectsMissingImageSource(t *testing.T) {
	router := newTestRouter(newTestServer())
	body := `{"case_id": "CASE_1"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipeline/analyze", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeRejectsOutOfRangeK(t *testing.T) {
	router := newTestRouter(newTestServer())
	body := `{"case_id": "CASE_1", "file_path": "/tmp/does-not-matter.png", "k": 99}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipeline/analyze", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeDecodesBase64ImageAndRunsPipeline(t *testing.T) {
	router := newTestRouter(newTestServer())
	encoded := base64.StdEncoding.EncodeToString([]byte("not-a-real-image"))
	payload := map[string]any{
		"case_id":   "CASE_B64",
		"image_b64": encoded,
		"modes":     []string{"V"},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipeline/analyze?debug=true", bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp AnalyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok=true, got %+v", resp)
	}
	if resp.Results.V == nil {
		t.Fatalf("expected mode V result, got %+v", resp.Results)
	}
}
