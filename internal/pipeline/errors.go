// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "fmt"

// Kind classifies a pipeline failure by the HTTP status the API layer
// should answer with, mirroring the exception taxonomy the analyze
// endpoint maps explicitly (LLMInputError -> 422, HTTPException
// passthrough) or implicitly (bare Exception -> 500).
type Kind int

const (
	// KindInvalidInput covers malformed request parameters and
	// identity/normalise failures traceable to caller input.
	KindInvalidInput Kind = iota
	// KindUnidentifiableImage covers identity resolution exhausting every
	// fallback without producing an image_id.
	KindUnidentifiableImage
	// KindDependencyUnavailable covers a failed health preflight against
	// the LLM, VLM, or graph backend.
	KindDependencyUnavailable
	// KindUpsertMismatch covers a graph upsert whose verifier re-query
	// still finds no persisted findings.
	KindUpsertMismatch
	// KindStageFailure covers any other stage error: the generic
	// bare-Exception path.
	KindStageFailure
)

// String names the kind, used in log fields and test assertions.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnidentifiableImage:
		return "unidentifiable_image"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	case KindUpsertMismatch:
		return "upsert_mismatch"
	case KindStageFailure:
		return "stage_failure"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the status code the API layer answers with for this
// kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return 422
	case KindUnidentifiableImage:
		return 502
	case KindDependencyUnavailable:
		return 503
	case KindUpsertMismatch:
		return 500
	case KindStageFailure:
		return 500
	default:
		return 500
	}
}

// Error is a fatal pipeline failure: the stage it occurred in, the kind
// that selects the response status, and the underlying cause.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func newError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline: %s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
