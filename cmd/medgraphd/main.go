// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command medgraphd starts the medgraph analyze orchestrator HTTP server.
//
// It reads its configuration from the environment (internal/config),
// wires the VLM/LLM HTTP runners and the graph repository (Weaviate when
// WEAVIATE_SERVICE_URL is set, an in-process memstore otherwise), and
// serves the pipeline behind internal/httpapi.
//
//	# Build
//	go build -o medgraphd ./cmd/medgraphd
//
//	# Run
//	./medgraphd
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	contextbuilder "github.com/AleutianAI/medgraph/internal/context"
	medconfig "github.com/AleutianAI/medgraph/internal/config"
	"github.com/AleutianAI/medgraph/internal/evaluation"
	"github.com/AleutianAI/medgraph/internal/graphstore"
	"github.com/AleutianAI/medgraph/internal/graphstore/memstore"
	"github.com/AleutianAI/medgraph/internal/httpapi"
	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/normalize"
	"github.com/AleutianAI/medgraph/internal/observability"
	"github.com/AleutianAI/medgraph/internal/pipeline"
	"github.com/AleutianAI/medgraph/internal/registry"
	"github.com/AleutianAI/medgraph/pkg/logging"
)

func initTracer(otelEndpoint string) (func(context.Context), error) {
	ctx := context.Background()
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("medgraphd")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			log.Printf("failed to shutdown OTLP exporter: %v", err)
		}
	}, nil
}

func newGraphRepository(cfg *medconfig.Config) (graphstore.Repository, error) {
	if cfg.WeaviateServiceURL == "" {
		return memstore.New(), nil
	}
	parsed, err := url.Parse(cfg.WeaviateServiceURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("medgraphd: WEAVIATE_SERVICE_URL %q is missing a scheme or host", cfg.WeaviateServiceURL)
	}
	repo, err := graphstore.NewWeaviateRepository(graphstore.WeaviateConfig{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "medgraphd",
		JSON:    true,
	})
	defer logger.Close()

	cfg, err := medconfig.Load()
	if err != nil {
		log.Fatalf("medgraphd: invalid configuration: %v", err)
	}

	cleanup, err := initTracer(cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("medgraphd: failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	reg := registry.New(cfg.MedicalDummyDir)
	if cfg.MedicalDummyDir != "" {
		if err := reg.Load(); err != nil {
			logger.Warn("failed to load imaging registry, continuing with an empty registry", "dir", cfg.MedicalDummyDir, "error", err)
		}
	}
	findingReg, err := registry.LoadFindingRegistry(cfg.MedicalDummyDir)
	if err != nil {
		logger.Warn("failed to load finding registry, continuing with an empty registry", "dir", cfg.MedicalDummyDir, "error", err)
		findingReg = nil
	}

	vlm := llmclient.NewVisionRunner(llmclient.Config{BaseURL: cfg.VLMHost, Model: cfg.VLMModel, Timeout: cfg.VLMTimeout})
	llm := llmclient.NewTextRunner(llmclient.Config{BaseURL: cfg.LLMHost, Model: cfg.LLMModel, Timeout: cfg.LLMTimeout})

	graph, err := newGraphRepository(cfg)
	if err != nil {
		log.Fatalf("medgraphd: failed to construct the graph repository: %v", err)
	}

	normaliser := normalize.New(vlm, findingReg, cfg.VisionDebugCacheDir)
	deps := pipeline.Dependencies{
		Normaliser: normaliser,
		Registry:   reg,
		Graph:      graph,
		Context:    contextbuilder.New(graph),
		LLM:        llm,
	}
	orchestrator := pipeline.New(deps)
	orchestrator.SetMetrics(observability.NewPipelineMetrics(prometheus.DefaultRegisterer))
	orchestrator.SetLogger(logger)

	server := httpapi.NewServer(orchestrator, deps, logger, cfg.VisionDebugCacheDir)
	if cfg.InfluxURL != "" {
		writer := evaluation.NewWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer writer.Close()
		server.Evaluation = writer
		logger.Info("evaluation timeseries sink enabled", "influx_url", cfg.InfluxURL, "influx_bucket", cfg.InfluxBucket)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("medgraphd"))
	httpapi.SetupRoutes(router, server)

	logger.Info("medgraphd starting", "port", cfg.HTTPPort, "weaviate_url", cfg.WeaviateServiceURL)
	if err := router.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("medgraphd: server exited: %v", err)
	}
}
