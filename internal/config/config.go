// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the orchestrator's environment into a validated
// Config. It reads exactly the environment variables the analyze pipeline
// and its ambient stack depend on, applies the same default/bounds rules
// the request-time parameter overrides use, and fails fast on anything out
// of range so misconfiguration is caught at startup rather than per-request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	HTTPPort string

	LogLevel string
	LogJSON  bool

	LLMHost    string
	LLMModel   string
	LLMTimeout time.Duration

	VLMHost    string
	VLMModel   string
	VLMTimeout time.Duration

	GraphURI      string
	GraphUser     string
	GraphPass     string
	GraphDatabase string

	WeaviateServiceURL string
	WeaviateAPIKey     string

	MedicalDummyDir     string
	VisionDebugCacheDir string

	OTELExporterEndpoint string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	DefaultK             int
	DefaultMaxChars      int
	DefaultTimeoutMS     int
	DefaultFallbackToVL  bool
	MinK, MaxK           int
	MinMaxChars, MaxChar int
	MinTimeoutMS         int
	MaxTimeoutMS         int
}

// Load reads the process environment into a Config, applying defaults for
// anything unset and rejecting out-of-range values the same way the
// per-request parameter overrides are rejected in internal/pipeline.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort: envOr("HTTP_PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "info"),
		LogJSON:  truthy(envOr("LOG_JSON", "true")),

		LLMHost:  envOr("LLM_HOST", "http://localhost:11434"),
		LLMModel: envOr("LLM_MODEL", "llama3"),

		VLMHost:  envOr("VLM_HOST", "http://localhost:11500"),
		VLMModel: envOr("VLM_MODEL", "llava"),

		GraphURI:      envOr("GRAPH_URI", "bolt://localhost:7687"),
		GraphUser:     envOr("GRAPH_USER", "neo4j"),
		GraphPass:     os.Getenv("GRAPH_PASS"),
		GraphDatabase: envOr("GRAPH_DATABASE", "neo4j"),

		WeaviateServiceURL: os.Getenv("WEAVIATE_SERVICE_URL"),
		WeaviateAPIKey:     os.Getenv("WEAVIATE_API_KEY"),

		MedicalDummyDir:     os.Getenv("MEDICAL_DUMMY_DIR"),
		VisionDebugCacheDir: envOr("VISION_DEBUG_CACHE_DIR", os.TempDir()),

		OTELExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    os.Getenv("INFLUX_ORG"),
		InfluxBucket: os.Getenv("INFLUX_BUCKET"),

		DefaultK:            2,
		DefaultMaxChars:     30,
		DefaultTimeoutMS:    20000,
		DefaultFallbackToVL: true,
		MinK:                1,
		MaxK:                10,
		MinMaxChars:         1,
		MaxChar:             120,
		MinTimeoutMS:        1000,
		MaxTimeoutMS:        60000,
	}

	llmTimeout, err := envDuration("LLM_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.LLMTimeout = llmTimeout

	vlmTimeout, err := envDuration("VLM_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.VLMTimeout = vlmTimeout

	if cfg.MinK > cfg.MaxK || cfg.DefaultK < cfg.MinK || cfg.DefaultK > cfg.MaxK {
		return nil, fmt.Errorf("config: invalid k bounds [%d, %d] default %d", cfg.MinK, cfg.MaxK, cfg.DefaultK)
	}
	if cfg.MinTimeoutMS > cfg.MaxTimeoutMS {
		return nil, fmt.Errorf("config: invalid timeout_ms bounds [%d, %d]", cfg.MinTimeoutMS, cfg.MaxTimeoutMS)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration or integer seconds, got %q: %w", key, v, err)
	}
	return time.Duration(seconds) * time.Second, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
