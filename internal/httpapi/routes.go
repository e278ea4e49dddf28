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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mirrors the teacher's routes.SetupRoutes grouping
// convention: a bare liveness probe, then a versioned group for the
// pipeline surface and its dependency sub-probes.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/healthz", s.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/pipeline")
	{
		v1.POST("/analyze", s.Analyze)
	}

	health := router.Group("/health")
	{
		health.GET("/llm", s.HealthLLM)
		health.GET("/vlm", s.HealthVLM)
		health.GET("/graph", s.HealthGraph)
	}
}
