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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/medgraph/internal/pipeline"
)

// writeError centralises error-kind-to-status-code mapping for every
// analyze failure, so the pipeline stages themselves never reach for a gin
// context: a *pipeline.Error maps to its own HTTPStatus(); anything else is
// a stage_failure, answered 500.
func writeError(c *gin.Context, result pipeline.Result, err error) {
	var pipeErr *pipeline.Error
	if errors.As(err, &pipeErr) {
		c.JSON(pipeErr.Kind.HTTPStatus(), gin.H{
			"ok":      false,
			"case_id": result.CaseID,
			"errors": []pipeline.StageError{
				{Stage: pipeErr.Stage, Msg: pipeErr.Kind.String()},
			},
			"detail": pipeErr.Error(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"ok":     false,
		"errors": []pipeline.StageError{{Stage: "pipeline", Msg: "stage_failure"}},
		"detail": err.Error(),
	})
}

// writeValidationError answers 422 for a malformed request, before the
// pipeline is ever invoked.
func writeValidationError(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"ok":     false,
		"errors": []pipeline.StageError{{Stage: "init", Msg: "invalid_input"}},
		"detail": err.Error(),
	})
}
