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
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/medgraph/internal/pipeline"
	"github.com/AleutianAI/medgraph/pkg/validation"
)

// AnalyzeRequest is the POST /pipeline/analyze request body, the Go
// counterpart of AnalyzeReq's pydantic field validators: bounds on k,
// max_chars, timeout_ms, and a mode set drawn from {V, VL, VGL}.
type AnalyzeRequest struct {
	CaseID           string         `json:"case_id"`
	ImageID          string         `json:"image_id"`
	ImageB64         string         `json:"image_b64"`
	FilePath         string         `json:"file_path"`
	Modes            []string       `json:"modes" validate:"omitempty,dive,oneof=V VL VGL"`
	K                int            `json:"k" validate:"omitempty,min=1,max=10"`
	MaxChars         int            `json:"max_chars" validate:"omitempty,min=1,max=120"`
	FallbackToVL     *bool          `json:"fallback_to_vl"`
	TimeoutMS        int            `json:"timeout_ms" validate:"omitempty,min=1000,max=60000"`
	IdempotencyKey   string         `json:"idempotency_key"`
	Parameters       map[string]any `json:"parameters"`
	KPaths           *int           `json:"k_paths"`
	AlphaFinding     *float64       `json:"alpha_finding"`
	BetaReport       *float64       `json:"beta_report"`
	SimilarityThresh *float64       `json:"similarity_threshold" validate:"omitempty,min=0,max=1"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	return v
}

// Validate runs struct-tag validation and returns a flattened, stable error
// message suitable for the 422 invalid_input response body.
func (r AnalyzeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
		}
		return err
	}
	if err := validation.ValidateIdentifier(r.CaseID); err != nil {
		return fmt.Errorf("invalid request: case_id: %w", err)
	}
	if err := validation.ValidateIdentifier(r.ImageID); err != nil {
		return fmt.Errorf("invalid request: image_id: %w", err)
	}
	if r.ImageB64 == "" && r.FilePath == "" && r.ImageID == "" {
		return fmt.Errorf("invalid request: one of image_b64, file_path, image_id is required")
	}
	return nil
}

// mergedParameters folds the request's top-level convenience overrides
// (k_paths, alpha_finding, beta_report, similarity_threshold) into the
// parameters map the pipeline resolves against, the same two-source merge
// pipeline.py's analyze() performs before building param_overrides.
func (r AnalyzeRequest) mergedParameters() map[string]any {
	params := make(map[string]any, len(r.Parameters)+4)
	for k, v := range r.Parameters {
		params[k] = v
	}
	if r.KPaths != nil {
		params["k_paths"] = *r.KPaths
	}
	if r.AlphaFinding != nil {
		params["alpha_finding"] = *r.AlphaFinding
	}
	if r.BetaReport != nil {
		params["beta_report"] = *r.BetaReport
	}
	if r.SimilarityThresh != nil {
		params["similarity_threshold"] = *r.SimilarityThresh
	}
	return params
}

// toPipelineRequest builds the pipeline.Request driving Analyze. imagePath
// is the resolved, on-disk path (after any image_b64 has been decoded to a
// temp file by the handler); it may be blank when the caller identified the
// image purely by image_id.
func (r AnalyzeRequest) toPipelineRequest(imagePath string, debug bool) pipeline.Request {
	k := r.K
	if k == 0 {
		k = 2
	}
	maxChars := r.MaxChars
	if maxChars == 0 {
		maxChars = 30
	}
	fallbackToVL := true
	if r.FallbackToVL != nil {
		fallbackToVL = *r.FallbackToVL
	}
	timeoutMS := r.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = 20000
	}

	params := r.mergedParameters()
	if _, ok := params["k_similarity"]; !ok {
		params["k_similarity"] = k
	}

	forceDummy := false
	if v, ok := params["force_dummy_fallback"]; ok {
		forceDummy = isTruthyParam(v)
	}

	return pipeline.Request{
		CaseID:             r.CaseID,
		ImageID:            r.ImageID,
		ImagePath:          imagePath,
		Modes:              r.Modes,
		MaxChars:           maxChars,
		FallbackToVL:       fallbackToVL,
		IdempotencyKey:     r.IdempotencyKey,
		ForceDummyFallback: forceDummy,
		Debug:              debug,
		CacheEnabled:       true,
		Parameters:         params,
	}
}

func isTruthyParam(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

// AnalyzeResponse is the JSON shape returned by POST /pipeline/analyze,
// mirroring pipeline.Result field-for-field for a stable wire contract
// independent of the internal struct's Go naming.
type AnalyzeResponse struct {
	OK           bool                     `json:"ok"`
	CaseID       string                   `json:"case_id"`
	ImageID      string                   `json:"image_id"`
	GraphContext pipeline.GraphContext    `json:"graph_context"`
	Results      pipeline.Results         `json:"results"`
	Timings      pipeline.Timings         `json:"timings"`
	Errors       []pipeline.StageError    `json:"errors"`
	Debug        map[string]any           `json:"debug,omitempty"`
	Evaluation   pipeline.Evaluation      `json:"evaluation"`
	Status       string                   `json:"status,omitempty"`
	Notes        string                   `json:"notes,omitempty"`
}

func toAnalyzeResponse(r pipeline.Result) AnalyzeResponse {
	return AnalyzeResponse{
		OK:           r.OK,
		CaseID:       r.CaseID,
		ImageID:      r.ImageID,
		GraphContext: r.GraphContext,
		Results:      r.Results,
		Timings:      r.Timings,
		Errors:       r.Errors,
		Debug:        r.Debug,
		Evaluation:   r.Evaluation,
		Status:       r.Status,
		Notes:        r.Notes,
	}
}
