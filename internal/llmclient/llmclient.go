// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmclient defines the VLM/LLM runner contracts used by the
// normaliser and mode runners, plus an HTTP-backed implementation of both
// against an Ollama-shaped wire protocol.
package llmclient

import "context"

// Task selects the VLM operation to perform.
type Task string

const (
	// TaskCaption asks the VLM to describe the image free-form.
	TaskCaption Task = "caption"
	// TaskVQA asks the VLM to answer a question about the image.
	TaskVQA Task = "vqa"
)

// GenerateResult is the normalised shape returned by both runners: model
// output text plus bookkeeping the caller folds into timings/debug trace.
type GenerateResult struct {
	Output    string
	Model     string
	LatencyMS int
}

// VLMRunner abstracts the vision-language backend used by C1 (normalise)
// and the VL/VGL mode runners.
//
// # Description
//
// Implementations call a multimodal endpoint with an image and a prompt
// and return free-text (ideally JSON-shaped) output. Context cancellation
// must stop the in-flight HTTP call and return ctx.Err().
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type VLMRunner interface {
	// Generate sends imageBytes and prompt to the VLM and returns its
	// output. task selects caption vs VQA phrasing server-side; most
	// backends treat it as advisory.
	Generate(ctx context.Context, imageBytes []byte, prompt string, task Task) (GenerateResult, error)

	// Model reports the configured model name, used when the caller
	// needs it outside of a GenerateResult (e.g. cache keys).
	Model() string

	// Healthy performs a cheap liveness probe used by the dependency
	// preflight. Implementations wrap whatever endpoint the backend
	// exposes; there is no standard VLM health endpoint so this is
	// backend-specific.
	Healthy(ctx context.Context) error
}

// LLMRunner abstracts the text-only backend used by the V mode runner and
// the VL/VGL synthesis step.
type LLMRunner interface {
	// Generate sends prompt to the LLM and returns its output.
	Generate(ctx context.Context, prompt string, temperature float64) (GenerateResult, error)

	// Model reports the configured model name.
	Model() string

	// Healthy performs a cheap liveness probe (e.g. GET /api/tags) used
	// by the dependency preflight.
	Healthy(ctx context.Context) error
}
