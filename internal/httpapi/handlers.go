// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi wires the pipeline orchestrator behind a gin router: the
// core POST /pipeline/analyze handler, process/dependency health probes,
// and the centralized error-kind-to-status mapping in errors.go. It never
// duplicates pipeline logic; it only decodes the wire request, invokes
// Orchestrator.Analyze, and shapes the response.
package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/medgraph/internal/evaluation"
	"github.com/AleutianAI/medgraph/internal/pipeline"
	"github.com/AleutianAI/medgraph/pkg/logging"
)

var tracer = otel.Tracer("medgraph.httpapi")

// Server holds everything the HTTP layer needs to serve requests: the
// orchestrator, the raw dependency set (reused for the per-dependency
// health sub-probes), a logger, and the scratch directory decoded
// image_b64 payloads are written to before normalise runs.
type Server struct {
	Orchestrator *pipeline.Orchestrator
	Deps         pipeline.Dependencies
	Logger       *logging.Logger
	ScratchDir   string
	// Evaluation is optional; when set, every successful analyze is also
	// written to the timeseries sink for longitudinal dashboards. A nil
	// Evaluation is a normal, fully supported configuration.
	Evaluation *evaluation.Writer
}

// NewServer constructs a Server. scratchDir defaults to os.TempDir() when
// blank.
func NewServer(orch *pipeline.Orchestrator, deps pipeline.Dependencies, logger *logging.Logger, scratchDir string) *Server {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{Orchestrator: orch, Deps: deps, Logger: logger, ScratchDir: scratchDir}
}

// Healthz answers liveness checks; it never touches a dependency, unlike
// the /health/{llm,vlm,graph} sub-probes below.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthLLM, HealthVLM, and HealthGraph are the three dependency
// sub-probes the operator CLI's `health` subcommand and the pipeline's own
// concurrent preflight both target by name.
func (s *Server) HealthLLM(c *gin.Context) { s.probeHealth(c, "llm", s.Deps.LLM.Healthy) }

func (s *Server) HealthVLM(c *gin.Context) {
	s.probeHealth(c, "vlm", s.Deps.Normaliser.VLM.Healthy)
}

func (s *Server) HealthGraph(c *gin.Context) { s.probeHealth(c, "graph", s.Deps.Graph.Healthy) }

func (s *Server) probeHealth(c *gin.Context, name string, check func(context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := check(ctx); err != nil {
		s.Logger.Warn("dependency health probe failed", "dependency", name, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "dependency": name, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dependency": name})
}

// Analyze handles POST /pipeline/analyze?sync=true&debug=<bool>.
func (s *Server) Analyze(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "Analyze")
	defer span.End()

	if sync := c.Query("sync"); sync != "" && sync != "true" && sync != "1" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "detail": "sync=false is not supported; analyze always runs synchronously"})
		return
	}
	debug := isTruthyParam(c.Query("debug"))

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeValidationError(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeValidationError(c, err)
		return
	}

	imagePath := req.FilePath
	if req.ImageB64 != "" {
		decodedPath, err := s.decodeImageB64(req.ImageB64)
		if err != nil {
			writeValidationError(c, err)
			return
		}
		defer os.Remove(decodedPath)
		imagePath = decodedPath
	}

	pipeReq := req.toPipelineRequest(imagePath, debug)

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.Orchestrator.Analyze(runCtx, pipeReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Logger.Error("analyze failed", "case_id", req.CaseID, "error", err)
		writeError(c, result, err)
		return
	}

	s.Logger.Info("analyze completed", "case_id", result.CaseID, "image_id", result.ImageID, "status", result.Results.Status)
	if s.Evaluation != nil {
		if err := s.Evaluation.WritePoint(ctx, evaluation.FromResult(result.CaseID, result)); err != nil {
			s.Logger.Warn("failed to write evaluation point", "case_id", result.CaseID, "error", err)
		}
	}
	c.JSON(http.StatusOK, toAnalyzeResponse(result))
}

// decodeImageB64 writes a base64 image payload to a uniquely named scratch
// file so Normaliser.Normalize (which only accepts a file path) can read it;
// the handler removes the file once the request completes.
func (s *Server) decodeImageB64(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errInvalidBase64(err)
	}
	name := filepath.Join(s.ScratchDir, "medgraph_upload_"+uuid.NewString()+".bin")
	if err := os.WriteFile(name, data, 0o600); err != nil {
		return "", err
	}
	return name, nil
}

func errInvalidBase64(err error) error {
	return &invalidBase64Error{cause: err}
}

type invalidBase64Error struct{ cause error }

func (e *invalidBase64Error) Error() string { return "invalid image_b64 payload: " + e.cause.Error() }
func (e *invalidBase64Error) Unwrap() error { return e.cause }
