// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements C8: the analyze orchestrator that threads
// one request through normalise (C1), identity resolution (C2), graph
// upsert (C3), similarity scoring, context build (C4), the V/VL/VGL mode
// runners (C5), consensus (C6), and the organ-consistency safety filter
// (C7), assembling the response and optional debug trace along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/medgraph/internal/consensus"
	contextbuilder "github.com/AleutianAI/medgraph/internal/context"
	"github.com/AleutianAI/medgraph/internal/debugtrace"
	"github.com/AleutianAI/medgraph/internal/dedup"
	"github.com/AleutianAI/medgraph/internal/graphstore"
	"github.com/AleutianAI/medgraph/internal/identity"
	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/modes"
	"github.com/AleutianAI/medgraph/internal/normalize"
	"github.com/AleutianAI/medgraph/internal/observability"
	"github.com/AleutianAI/medgraph/internal/ontology"
	"github.com/AleutianAI/medgraph/internal/registry"
	"github.com/AleutianAI/medgraph/internal/safety"
	"github.com/AleutianAI/medgraph/internal/similarity"
	"github.com/AleutianAI/medgraph/internal/textutil"
	"github.com/AleutianAI/medgraph/pkg/logging"
)

var pipelineTracer = otel.Tracer("medgraph.pipeline")

// graphTripleCharCap is the character budget used when a request sets no
// max_chars; it bounds the rendered [EVIDENCE PATHS]/[FACTS JSON] triples
// block handed to the VGL mode. The context builder has no default budget
// of its own (a MaxChars of 0 disables its trim).
const graphTripleCharCap = 1800

// defaultKPaths is the default top-k path budget when a request does not
// override k_paths.
const defaultKPaths = 4

// Dependencies wires the concrete adapters one Orchestrator runs against.
type Dependencies struct {
	Normaliser *normalize.Normaliser
	Registry   *registry.Registry
	Graph      graphstore.Repository
	Context    *contextbuilder.Builder
	LLM        llmclient.LLMRunner
}

// Request is one /analyze call's input.
type Request struct {
	CaseID             string
	ImageID            string
	ImagePath          string
	Modes              []string
	MaxChars           int
	FallbackToVL       bool
	IdempotencyKey     string
	ForceDummyFallback bool
	Debug              bool
	CacheSeed          string
	CacheEnabled       bool
	// Parameters carries the request's param_overrides block: k_paths,
	// alpha_finding, beta_report, similarity_threshold, k_findings,
	// k_reports, k_similarity, force_dummy_fallback.
	Parameters map[string]any
}

// Timings is the per-stage latency breakdown returned alongside results.
type Timings struct {
	VLMMS     int
	UpsertMS  int
	ContextMS int
	LLMVMS    int
	LLMVLMS   int
	LLMVGLMS  int
}

// StageError is one non-fatal or fatal error tagged with the stage it
// occurred in.
type StageError struct {
	Stage string
	Msg   string
}

// ModeResult is one mode's contribution to the results payload.
type ModeResult struct {
	Text          string
	PresentedText string
	LatencyMS     int
	Degraded      string
	Reason        string
}

// ConsensusEntry is the consensus block nested under results.
type ConsensusEntry struct {
	Text            string
	PresentedText   string
	Status          string
	Confidence      string
	Notes           string
	SupportingModes []string
	DisagreedModes  []string
	AgreementScore  float64
	EvaluatedModes  []string
	DegradedInputs  []string
}

// Results is the full results payload: one entry per executed mode plus
// the consensus verdict and finding-provenance bookkeeping.
type Results struct {
	V                 *ModeResult
	VL                *ModeResult
	VGL               *ModeResult
	Consensus         ConsensusEntry
	FindingSource     string
	SeededFindingIDs  []string
	FindingFallback   normalize.FallbackInfo
	FindingProvenance map[string]any
	SimilarSeedImages []similarity.Summary
	Status            string
}

// GraphContext mirrors the context builder's Pack plus the finding
// provenance fields carried alongside it in the response.
type GraphContext struct {
	Summary         []string
	SummaryRows     []graphstore.EdgeSummary
	Paths           []contextbuilder.EvidencePath
	Facts           contextbuilder.Facts
	Triples         string
	SlotLimits      map[string]int
	SlotMeta        contextbuilder.SlotMeta
	FindingSource   string
	SeededFindingIDs []string
	FindingFallback normalize.FallbackInfo
}

// EvaluationConsensus is the trimmed consensus view nested in Evaluation.
type EvaluationConsensus struct {
	Text            string
	Status          string
	Notes           string
	SupportingModes []string
	DisagreedModes  []string
}

// Evaluation is the evaluation payload assembled once consensus and the
// safety filter have run.
type Evaluation struct {
	ImageID           string
	SimilarSeedImages []similarity.Summary
	EdgesCreated      int
	CtxPathsLen       int
	AgreementScore    float64
	Confidence        string
	ContextPaths      []contextbuilder.EvidencePath
	Consensus         EvaluationConsensus
	Status            string
	Notes             string
	FindingSource     string
	SeededFindingIDs  []string
	FindingFallback   normalize.FallbackInfo
}

// Result is the full /analyze response.
type Result struct {
	OK           bool
	CaseID       string
	ImageID      string
	GraphContext GraphContext
	Results      Results
	Timings      Timings
	Errors       []StageError
	Debug        map[string]any
	Evaluation   Evaluation
	// Status and Notes are only set when the upsert stage degraded the
	// graph write; otherwise both are left blank so callers rely on
	// Results.Status / Evaluation.Status instead.
	Status string
	Notes  string
}

// Orchestrator runs one analyze request end to end.
type Orchestrator struct {
	deps    Dependencies
	metrics *observability.PipelineMetrics
	logger  *logging.Logger
}

// New constructs an Orchestrator over deps. No metrics are recorded until
// SetMetrics is called; logging falls back to logging.Default() until
// SetLogger is called.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps, logger: logging.Default()}
}

// SetLogger attaches the structured logger Analyze's per-stage event logs
// (pipeline.normalize.image_id, pipeline.fallback.findings,
// pipeline.diag.pre_graph) are written through.
func (o *Orchestrator) SetLogger(logger *logging.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetMetrics attaches the Prometheus instruments Analyze reports against.
// Passing nil (the default) makes Analyze a no-op with respect to metrics.
func (o *Orchestrator) SetMetrics(metrics *observability.PipelineMetrics) {
	o.metrics = metrics
}

// Analyze runs the full C1-C7 pipeline for req, then reports its outcome,
// per-stage timings, agreement score, and any stage errors to the attached
// PipelineMetrics before returning. On a fatal stage error it returns a
// best-effort Result (OK=false, Errors populated with whatever stage
// failed) alongside a non-nil *Error the caller maps to an HTTP status via
// Error.Kind.HTTPStatus().
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (Result, error) {
	result, err := o.analyze(ctx, req)
	o.recordMetrics(result, err)
	return result, err
}

func (o *Orchestrator) recordMetrics(result Result, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		var pipeErr *Error
		if errors.As(err, &pipeErr) {
			o.metrics.RecordError(pipeErr.Stage, pipeErr.Kind.String())
		}
	case result.Status == "degraded" || result.Status == "low_confidence":
		outcome = "degraded"
	}
	o.metrics.RecordRequest(outcome)

	for _, se := range result.Errors {
		o.metrics.RecordError(se.Stage, "soft_error")
	}
	if result.Status == "degraded" {
		o.metrics.RecordGraphDegraded()
	}

	o.metrics.RecordStageDuration("vlm", millisToSeconds(result.Timings.VLMMS))
	o.metrics.RecordStageDuration("upsert", millisToSeconds(result.Timings.UpsertMS))
	o.metrics.RecordStageDuration("context", millisToSeconds(result.Timings.ContextMS))
	o.metrics.RecordStageDuration("llm_v", millisToSeconds(result.Timings.LLMVMS))
	o.metrics.RecordStageDuration("llm_vl", millisToSeconds(result.Timings.LLMVLMS))
	o.metrics.RecordStageDuration("llm_vgl", millisToSeconds(result.Timings.LLMVGLMS))

	if result.OK {
		o.metrics.RecordAgreementScore(result.Evaluation.AgreementScore)
	}
}

func millisToSeconds(ms int) float64 {
	return float64(ms) / 1000
}

// analyze is Analyze's unwrapped body.
func (o *Orchestrator) analyze(ctx context.Context, req Request) (result Result, err error) {
	ctx, span := pipelineTracer.Start(ctx, "Orchestrator.Analyze", oteltrace.WithAttributes(
		attribute.String("case_id", req.CaseID), attribute.String("image_id", req.ImageID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	trace := debugtrace.New(req.Debug)

	modesRequested, err := normaliseModes(req.Modes)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	requested := make(map[string]bool, len(modesRequested))
	for _, m := range modesRequested {
		requested[m] = true
	}

	kPaths, err := resolveIntParam(req.Parameters, "k_paths", defaultKPaths, 0, 10)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	alphaFinding, err := resolveFloatParam(req.Parameters, "alpha_finding", graphstore.DefaultPathWeights.Finding, 0, 1)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	betaReport, err := resolveFloatParam(req.Parameters, "beta_report", graphstore.DefaultPathWeights.Report, 0, 1)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	similarityThreshold, err := resolveFloatParam(req.Parameters, "similarity_threshold", 0.35, 0, 1)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	kSlots, err := resolveSlotOverrides(req.Parameters)
	if err != nil {
		return o.failResult("", "", nil, StageError{Stage: "init", Msg: err.Error()}),
			newError(KindInvalidInput, "init", err)
	}
	forceDummyFallback := req.ForceDummyFallback || isTruthy(req.Parameters["force_dummy_fallback"])

	locationWeight := 1 - alphaFinding - betaReport
	if locationWeight < 0 {
		locationWeight = 0
	}
	pathWeights := graphstore.PathWeights{Finding: alphaFinding, Location: locationWeight, Report: betaReport}

	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = graphTripleCharCap
	}

	trace.SetStage("dependencies")
	if depErr := o.ensureDependencies(ctx); depErr != nil {
		return o.failResult("", "", nil, StageError{Stage: "dependencies", Msg: depErr.Error()}), depErr
	}

	var timings Timings
	var stageErrors []StageError

	// --- C1: normalise ---------------------------------------------------
	trace.SetStage("vlm")
	vlmStart := time.Now()
	bundle, err := o.deps.Normaliser.Normalize(ctx, normalize.Request{
		ImagePath:          req.ImagePath,
		ImageID:            req.ImageID,
		ForceDummyFallback: forceDummyFallback,
		CacheSeed:          req.CacheSeed,
		CacheEnabled:       req.CacheEnabled,
	})
	if err != nil {
		if errors.Is(err, normalize.ErrMissingFile) {
			return o.failResult("", req.ImageID, nil, StageError{Stage: "image_load", Msg: err.Error()}),
				newError(KindInvalidInput, "image_load", err)
		}
		return o.failResult("", req.ImageID, nil, StageError{Stage: "vlm", Msg: err.Error()}),
			newError(KindStageFailure, "vlm", err)
	}
	timings.VLMMS = bundle.VLMLatencyMS
	if timings.VLMMS == 0 {
		timings.VLMMS = int(time.Since(vlmStart).Milliseconds())
	}
	o.logger.Info("pipeline.normalize.image_id", "case_id", req.CaseID, "image_id", bundle.Image.ImageID, "modality", bundle.Image.Modality)

	// --- C2: identity ------------------------------------------------------
	trace.SetStage("identity")
	ident, patched, err := identity.Resolve(
		identity.Payload{CaseID: req.CaseID, ImageID: req.ImageID, FilePath: req.ImagePath, IdempotencyKey: req.IdempotencyKey},
		identity.NormalizedImage{ImageID: bundle.Image.ImageID, Path: bundle.Image.Path, StorageURI: bundle.Image.StorageURI, Modality: bundle.Image.Modality},
		"", req.ImagePath, o.deps.Registry,
	)
	if err != nil {
		if errors.Is(err, identity.ErrBlankImageID) {
			return o.failResult(req.CaseID, req.ImageID, nil, StageError{Stage: "identity", Msg: err.Error()}),
				newError(KindInvalidInput, "identity", err)
		}
		return o.failResult(req.CaseID, req.ImageID, nil, StageError{Stage: "identity", Msg: err.Error()}),
			newError(KindUnidentifiableImage, "identity", err)
	}
	bundle.Image.ImageID = patched.ImageID
	bundle.Image.Path = patched.Path
	bundle.Image.StorageURI = patched.StorageURI
	bundle.Image.Modality = patched.Modality

	dedupedFindings := dedup.By(bundle.Findings, func(f normalize.Finding) string {
		return dedup.FindingKey(dedup.Finding{Type: f.Type, Location: f.Location, SizeCM: sizeOrZero(f.SizeCM)})
	})
	bundle.Findings = dedupedFindings

	findingSource := resolveFindingSource(bundle.FindingFallback, dedupedFindings)
	if bundle.FindingFallback.Used {
		o.logger.Info("pipeline.fallback.findings", "image_id", ident.ImageID, "strategy", bundle.FindingFallback.Strategy,
			"registry_hit", bundle.FindingFallback.RegistryHit, "force", bundle.FindingFallback.Force)
	}
	seededFindingIDs := seededFindingIDsFrom(dedupedFindings)
	provenance := map[string]any{
		"fallback_used":     bundle.FindingFallback.Used,
		"fallback_strategy": bundle.FindingFallback.Strategy,
		"registry_hit":      bundle.FindingFallback.RegistryHit,
		"force":             bundle.FindingFallback.Force,
	}

	trace.RecordIdentity(debugtrace.IdentityRecord{
		ImageID:          ident.ImageID,
		ImageIDSource:    ident.ImageIDSource,
		Modality:         bundle.Image.Modality,
		Path:             bundle.Image.Path,
		StorageURI:       bundle.Image.StorageURI,
		LookupHit:        ident.SeedHit,
		LookupSource:     ident.LookupSource,
		WarnOnLookupMiss: strings.TrimSpace(req.ImageID) == "" && !ident.SeedHit,
		FallbackMeta: map[string]any{
			"used":         bundle.FindingFallback.Used,
			"strategy":     bundle.FindingFallback.Strategy,
			"registry_hit": bundle.FindingFallback.RegistryHit,
			"force":        bundle.FindingFallback.Force,
		},
		FindingSource:    findingSource,
		SeededFindingIDs: seededFindingIDs,
		Provenance:       provenance,
		PreUpsertCount:   len(dedupedFindings),
		PreUpsertHead:    headFindingMaps(dedupedFindings, 2),
		ReportConfidence: &bundle.Report.Conf,
	})

	// --- C3: graph upsert ---------------------------------------------------
	trace.SetStage("upsert")
	o.logger.Info("pipeline.diag.pre_graph", "case_id", ident.CaseID, "image_id", ident.ImageID, "findings_len", len(dedupedFindings))
	upsertStart := time.Now()
	upsertResult, err := o.deps.Graph.UpsertCase(ctx, graphstore.UpsertPayload{
		CaseID: ident.CaseID,
		Image:  graphstore.Image{ImageID: ident.ImageID, Path: ident.Path, Modality: bundle.Image.Modality, StorageURI: ident.StorageURI},
		Report: graphstore.Report{ID: bundle.Report.ID, Text: bundle.Report.Text, Model: bundle.Report.Model, Conf: bundle.Report.Conf, TS: bundle.Report.TS},
		Findings:       toGraphstoreFindings(dedupedFindings),
		IdempotencyKey: req.IdempotencyKey,
	})
	timings.UpsertMS = int(time.Since(upsertStart).Milliseconds())
	if err != nil {
		var nonCanon *graphstore.NonCanonicalFieldError
		if errors.As(err, &nonCanon) {
			return o.failResult(ident.CaseID, ident.ImageID, nil, StageError{Stage: "upsert", Msg: err.Error()}),
				newError(KindInvalidInput, "upsert", err)
		}
		return o.failResult(ident.CaseID, ident.ImageID, nil, StageError{Stage: "upsert", Msg: err.Error()}),
			newError(KindStageFailure, "upsert", err)
	}

	graphDegraded := false
	var overallStatus, overallNotes string
	var verifiedIDs []string
	if len(dedupedFindings) > 0 && len(upsertResult.FindingIDs) == 0 {
		verifiedIDs, _ = o.deps.Graph.FetchFindingIDs(ctx, ident.ImageID, nil)
		if len(verifiedIDs) == 0 {
			err := errors.New("finding_upsert_mismatch")
			return o.failResult(ident.CaseID, ident.ImageID, nil, StageError{Stage: "upsert", Msg: "finding_upsert_mismatch"}),
				newError(KindUpsertMismatch, "upsert", err)
		}
		graphDegraded = true
		upsertResult.FindingIDs = verifiedIDs
		overallStatus = "degraded"
		overallNotes = "graph upsert failed, fallback used"
		stageErrors = append(stageErrors, StageError{Stage: "upsert", Msg: "graph_upsert_degraded"})
		span.AddEvent("graph_upsert_degraded", oteltrace.WithAttributes(attribute.Int("verified_finding_count", len(verifiedIDs))))
	}

	trace.RecordUpsert(map[string]any{
		"case_id":  ident.CaseID,
		"image_id": upsertResult.ImageID,
	}, upsertResult.FindingIDs, verifiedIDs)

	// --- similarity (soft-fail) ---------------------------------------------
	trace.SetStage("similarity")
	similarityEdgesCreated := 0
	candidatesConsidered := 0
	var similarSummaries []similarity.Summary
	if simErr := func() error {
		candidates, err := o.deps.Graph.FetchSimilarityCandidates(ctx, ident.ImageID)
		if err != nil {
			return err
		}
		candidatesConsidered = len(candidates)
		simCandidates := make([]similarity.Candidate, 0, len(candidates))
		for _, c := range candidates {
			var types, locations, anatomy []string
			for _, f := range c.Findings {
				types = append(types, f.Type)
				locations = append(locations, f.Location)
				if code, ok := ontology.Canonicalise(ontology.Location, f.Location); ok {
					anatomy = append(anatomy, code)
				}
			}
			simCandidates = append(simCandidates, similarity.Candidate{
				ImageID: c.ImageID, Modality: c.Modality, FindingTypes: types, FindingLocations: locations, AnatomyCodes: anatomy,
			})
		}
		edges, summaries := similarity.ComputeScores(
			similarity.Image{Modality: bundle.Image.Modality, Findings: toGraphstoreFacts(dedupedFindings)},
			simCandidates, similarityThreshold, 5,
		)
		similarSummaries = summaries
		if len(edges) > 0 {
			n, err := o.deps.Graph.SyncSimilarityEdges(ctx, ident.ImageID, toGraphstoreEdges(edges))
			if err != nil {
				return err
			}
			similarityEdgesCreated = n
		}
		return nil
	}(); simErr != nil {
		stageErrors = append(stageErrors, StageError{Stage: "similarity", Msg: simErr.Error()})
	}

	// --- C4: context build ---------------------------------------------------
	trace.SetStage("context")
	contextStart := time.Now()
	pack, err := o.deps.Context.Build(ctx, ident.ImageID, contextbuilder.Options{
		K: kPaths, KSlots: kSlots, MaxChars: maxChars, Weights: pathWeights,
	})
	timings.ContextMS = int(time.Since(contextStart).Milliseconds())
	if err != nil {
		return o.failResult(ident.CaseID, ident.ImageID, stageErrors, StageError{Stage: "context", Msg: err.Error()}),
			newError(KindStageFailure, "context", err)
	}

	noGraphEvidence := len(pack.Paths) == 0
	hasGraphEvidence := len(dedupedFindings) > 0 || !noGraphEvidence

	contextFallbackUsed := false
	contextFallbackCount := 0
	if noGraphEvidence && len(dedupedFindings) > 0 {
		fallbackPaths := fallbackPathsFromFindings(ident.ImageID, dedupedFindings, kPaths)
		if len(fallbackPaths) > 0 {
			pack.Paths = fallbackPaths
			contextFallbackUsed = true
			contextFallbackCount = len(fallbackPaths)
			ensureFindingsSlotAllocation(&pack, len(fallbackPaths))
		}
	}

	totalTriples := countTriples(pack.Paths)
	graphPathsStrength := graphPathsStrengthFn(len(pack.Paths), totalTriples)
	hasPaths := len(pack.Paths) > 0

	trace.RecordContext(debugtrace.ContextRecord{
		ContextSummary:                 pack.Summary,
		FindingsLen:                    len(pack.Facts.Findings),
		FindingsHead:                   headFactMaps(pack.Facts.Findings, 2),
		PathsLen:                       len(pack.Paths),
		PathsHead:                      headPathMaps(pack.Paths, 2),
		TotalTriples:                   totalTriples,
		GraphPathsStrength:             graphPathsStrength,
		SlotLimits:                     pack.SlotLimits,
		SimilarSeedImages:              toSimilarSeedMaps(similarSummaries),
		SimilarityEdgesCreated:         similarityEdgesCreated,
		SimilarityThreshold:            &similarityThreshold,
		SimilarityCandidatesConsidered: candidatesConsidered,
		GraphDegraded:                  graphDegraded,
		ContextFallbackUsed:            contextFallbackUsed,
		ContextFallbackPathCount:       contextFallbackCount,
		RetriedFindings:                pack.SlotMeta.RetriedFindings,
	})

	// --- C5: mode execution --------------------------------------------------
	modeOutputs := map[string]consensus.ModeOutput{}
	modeResults := map[string]*ModeResult{}

	if requested["V"] {
		start := time.Now()
		vres, verr := modes.RunV(bundle, maxChars)
		timings.LLMVMS = int(time.Since(start).Milliseconds())
		if verr != nil {
			stageErrors = append(stageErrors, StageError{Stage: "llm_v", Msg: verr.Error()})
		} else {
			modeOutputs["V"] = consensus.ModeOutput{Text: vres.Text, LatencyMS: vres.LatencyMS, Degraded: vres.Degraded}
			modeResults["V"] = &ModeResult{Text: vres.Text, PresentedText: vres.Text, LatencyMS: vres.LatencyMS, Degraded: vres.Degraded, Reason: vres.Reason}
		}
	}

	var vlText string
	var vlHasResult bool
	if requested["VL"] {
		start := time.Now()
		vlres, vlerr := modes.RunVL(ctx, o.deps.LLM, bundle, maxChars)
		timings.LLMVLMS = int(time.Since(start).Milliseconds())
		if vlerr != nil {
			stageErrors = append(stageErrors, StageError{Stage: "llm_vl", Msg: vlerr.Error()})
		} else {
			modeOutputs["VL"] = consensus.ModeOutput{Text: vlres.Text, LatencyMS: vlres.LatencyMS, Degraded: vlres.Degraded}
			modeResults["VL"] = &ModeResult{Text: vlres.Text, PresentedText: vlres.Text, LatencyMS: vlres.LatencyMS, Degraded: vlres.Degraded, Reason: vlres.Reason}
			vlText = vlres.Text
			vlHasResult = true
		}
	}

	vglFallbackUsed := false
	vglFallbackReason := ""
	if requested["VGL"] {
		start := time.Now()
		if hasGraphEvidence {
			vglres, vglerr := modes.RunVGL(ctx, o.deps.LLM, ident.ImageID, pack.Triples, maxChars, req.FallbackToVL, bundle)
			timings.LLMVGLMS = int(time.Since(start).Milliseconds())
			if vglerr != nil {
				stageErrors = append(stageErrors, StageError{Stage: "llm_vgl", Msg: vglerr.Error()})
			} else {
				modeOutputs["VGL"] = consensus.ModeOutput{Text: vglres.Text, LatencyMS: vglres.LatencyMS, Degraded: vglres.Degraded}
				modeResults["VGL"] = &ModeResult{Text: vglres.Text, PresentedText: vglres.Text, LatencyMS: vglres.LatencyMS, Degraded: vglres.Degraded, Reason: vglres.Reason}
			}
		} else {
			// Mirrors the two-layer VGL fallback gate: with no structured
			// findings and no graph paths, the mode runner is never
			// invoked; instead copy (and downgrade) the VL result when
			// fallback_to_vl is enabled, or serve a static notice,
			// undegraded, when it is declined.
			text := "Graph findings unavailable"
			degraded := ""
			reason := ""
			if req.FallbackToVL {
				vglFallbackUsed = true
				vglFallbackReason = "graph_evidence_missing_or_findings_empty"
				reason = vglFallbackReason
				degraded = "VL"
				span.AddEvent("vgl_fallback_to_vl", oteltrace.WithAttributes(attribute.String("reason", vglFallbackReason)))
				if !vlHasResult {
					vlres, vlerr := modes.RunVL(ctx, o.deps.LLM, bundle, maxChars)
					if vlerr == nil {
						vlText = vlres.Text
						vlHasResult = true
					}
				}
				if vlHasResult {
					text = vlText
				}
			}
			timings.LLMVGLMS = int(time.Since(start).Milliseconds())
			modeOutputs["VGL"] = consensus.ModeOutput{Text: text, Degraded: degraded}
			modeResults["VGL"] = &ModeResult{Text: text, PresentedText: text, Degraded: degraded, Reason: reason}
		}
	}

	// Post-VGL graph-mismatch degradation: a V/VL entry that disagrees
	// with a clean, graph-backed VGL output is itself marked degraded.
	if hasPaths {
		if vgl, ok := modeOutputs["VGL"]; ok && vgl.Degraded == "" {
			vglNorm := textutil.NormaliseForConsensus(vgl.Text)
			if vglNorm != "" {
				for _, m := range []string{"V", "VL"} {
					entry, ok := modeOutputs[m]
					if !ok || entry.Degraded != "" {
						continue
					}
					modeNorm := textutil.NormaliseForConsensus(entry.Text)
					if modeNorm == "" || textutil.Jaccard(modeNorm, vglNorm) < 0.1 {
						entry.Degraded = "graph_mismatch"
						modeOutputs[m] = entry
						if mr := modeResults[m]; mr != nil {
							mr.Degraded = "graph_mismatch"
							mr.Reason = "mismatch with graph-backed output"
						}
					}
				}
			}
		}
	}

	// --- C6: consensus ---------------------------------------------------
	weights := map[string]float64{"V": 1.0, "VL": 1.2, "VGL": 1.0}
	anchorMode := ""
	if hasPaths {
		weights["VGL"] = 1.8
		anchorMode = "VGL"
	}
	consensusResult := consensus.Compute(modeOutputs, consensus.Options{
		Weights: weights, MinAgree: 0.35, Modality: bundle.Image.Modality,
		AnchorMode: anchorMode, AnchorMinScore: 0.75,
		StructuredFindings: toConsensusFindings(dedupedFindings), GraphPathsStrength: graphPathsStrength,
	})

	resultsStatus := consensusResult.Status
	if vglFallbackUsed {
		consensusResult.Status = "low_confidence"
		consensusResult.Confidence = "very_low"
		fallbackNote := strings.ReplaceAll(vglFallbackReason, "_", " ")
		if fallbackNote == "" {
			fallbackNote = "graph evidence missing; fell back to VL"
		}
		if consensusResult.Notes != "" {
			consensusResult.Notes += " | " + fallbackNote
		} else {
			consensusResult.Notes = fallbackNote
		}
		if consensusResult.PresentedText == "" {
			consensusResult.PresentedText = consensusResult.Text
		}
		resultsStatus = "low_confidence"
	}

	// --- image-token substitution ------------------------------------------
	for _, m := range []string{"V", "VL", "VGL"} {
		if mr := modeResults[m]; mr != nil {
			mr.Text = replaceImageTokens(mr.Text, ident.ImageID)
			mr.PresentedText = replaceImageTokens(mr.PresentedText, ident.ImageID)
		}
	}
	consensusResult.Text = replaceImageTokens(consensusResult.Text, ident.ImageID)
	consensusResult.PresentedText = replaceImageTokens(consensusResult.PresentedText, ident.ImageID)
	consensusResult.Notes = replaceImageTokens(consensusResult.Notes, ident.ImageID)

	// --- C7: safety filter -------------------------------------------------
	expectedOrgan := safety.InferExpectedOrgan(ident.Path)
	verdict := safety.Check(expectedOrgan, consensusResult.Text)
	if verdict.Triggered {
		consensusResult.Notes += verdict.Note
		consensusResult.PresentedText = verdict.PresentedText
		span.AddEvent("safety_filter_triggered", oteltrace.WithAttributes(attribute.String("expected_organ", expectedOrgan)))
	}

	confidenceLevel := resolveConfidenceLevel(consensusResult.AgreementScore, totalTriples)

	evaluationStatus := consensusResult.Status
	evaluationNotes := consensusResult.Notes
	if graphDegraded {
		evaluationStatus = "degraded"
		if overallNotes != "" {
			evaluationNotes = overallNotes
		}
	}

	evaluation := Evaluation{
		ImageID:           ident.ImageID,
		SimilarSeedImages: similarSummaries,
		EdgesCreated:      similarityEdgesCreated,
		CtxPathsLen:       len(pack.Paths),
		AgreementScore:    round3(consensusResult.AgreementScore),
		Confidence:        confidenceLevel,
		ContextPaths:      pack.Paths,
		Consensus: EvaluationConsensus{
			Text: consensusResult.Text, Status: consensusResult.Status, Notes: consensusResult.Notes,
			SupportingModes: consensusResult.SupportingModes, DisagreedModes: consensusResult.DisagreedModes,
		},
		Status:           evaluationStatus,
		Notes:            evaluationNotes,
		FindingSource:    findingSource,
		SeededFindingIDs: seededFindingIDs,
		FindingFallback:  bundle.FindingFallback,
	}
	trace.RecordConsensus(consensusToMap(consensusResult))
	trace.RecordEvaluation(evaluationToMap(evaluation))

	result = Result{
		OK:      true,
		CaseID:  ident.CaseID,
		ImageID: ident.ImageID,
		GraphContext: GraphContext{
			Summary: pack.Summary, SummaryRows: pack.SummaryRows, Paths: pack.Paths, Facts: pack.Facts,
			Triples: pack.Triples, SlotLimits: pack.SlotLimits, SlotMeta: pack.SlotMeta,
			FindingSource: findingSource, SeededFindingIDs: seededFindingIDs, FindingFallback: bundle.FindingFallback,
		},
		Results: Results{
			V: modeResults["V"], VL: modeResults["VL"], VGL: modeResults["VGL"],
			Consensus: ConsensusEntry{
				Text: consensusResult.Text, PresentedText: consensusResult.PresentedText, Status: consensusResult.Status,
				Confidence: consensusResult.Confidence, Notes: consensusResult.Notes,
				SupportingModes: consensusResult.SupportingModes, DisagreedModes: consensusResult.DisagreedModes,
				AgreementScore: round3(consensusResult.AgreementScore), EvaluatedModes: consensusResult.EvaluatedModes,
				DegradedInputs: consensusResult.DegradedInputs,
			},
			FindingSource: findingSource, SeededFindingIDs: seededFindingIDs, FindingFallback: bundle.FindingFallback,
			FindingProvenance: provenance, SimilarSeedImages: similarSummaries, Status: resultsStatus,
		},
		Timings:    timings,
		Errors:     stageErrors,
		Debug:      trace.Payload(),
		Evaluation: evaluation,
	}
	if overallStatus != "" {
		result.Status = overallStatus
	}
	if overallNotes != "" {
		result.Notes = overallNotes
	}
	return result, nil
}

// failResult builds the best-effort partial response returned alongside a
// fatal *Error.
func (o *Orchestrator) failResult(caseID, imageID string, priorErrors []StageError, failed StageError) Result {
	errs := append(append([]StageError{}, priorErrors...), failed)
	return Result{OK: false, CaseID: caseID, ImageID: imageID, Errors: errs, Debug: map[string]any{}}
}

// ensureDependencies probes the LLM, VLM, and graph backends concurrently
// (the source checks them sequentially in that order and raises on the
// first failure; checking concurrently trims preflight latency while this
// still surfaces the same first-by-priority failure deterministically).
func (o *Orchestrator) ensureDependencies(ctx context.Context) error {
	checks := []struct {
		label string
		fn    func(context.Context) error
	}{
		{"llm", o.deps.LLM.Healthy},
		{"vlm", o.deps.Normaliser.VLM.Healthy},
		{"neo4j", o.deps.Graph.Healthy},
	}

	errs := make([]error, len(checks))
	g, gCtx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, fn := i, c.fn
		g.Go(func() error {
			errs[i] = fn(gCtx)
			return nil // non-fatal to the group; priority ordering below decides what surfaces
		})
	}
	_ = g.Wait()

	for i, c := range checks {
		if errs[i] != nil {
			return newError(KindDependencyUnavailable, "dependencies", fmt.Errorf("%s: %w", c.label, errs[i]))
		}
	}
	return nil
}

func normaliseModes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return []string{"V", "VL", "VGL"}, nil
	}
	allowed := map[string]bool{"V": true, "VL": true, "VGL": true}
	seen := map[string]bool{}
	out := make([]string, 0, len(requested))
	for _, m := range requested {
		up := strings.ToUpper(strings.TrimSpace(m))
		if !allowed[up] {
			return nil, fmt.Errorf("unknown mode %q", m)
		}
		if seen[up] {
			continue
		}
		seen[up] = true
		out = append(out, up)
	}
	if len(out) == 0 {
		return []string{"V", "VL", "VGL"}, nil
	}
	return out, nil
}

func resolveSlotOverrides(params map[string]any) (map[string]int, error) {
	out := map[string]int{}
	for key, slot := range map[string]string{"k_findings": "findings", "k_reports": "reports", "k_similarity": "similarity"} {
		if raw, ok := params[key]; ok && raw != nil {
			v, ok := toInt(raw)
			if !ok || v < 0 || v > 10 {
				return nil, fmt.Errorf("%s: must be an integer between 0 and 10", key)
			}
			out[slot] = v
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func resolveIntParam(params map[string]any, key string, def, min, max int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	v, ok := toInt(raw)
	if !ok {
		return 0, fmt.Errorf("%s: must be a number", key)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s: must be between %d and %d", key, min, max)
	}
	return v, nil
}

func resolveFloatParam(params map[string]any, key string, def, min, max float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("%s: must be a number", key)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s: must be between %.2f and %.2f", key, min, max)
	}
	return v, nil
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		lowered := strings.ToLower(strings.TrimSpace(t))
		return lowered == "true" || lowered == "1" || lowered == "yes"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func sizeOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func confOrDefault(v *float64) float64 {
	if v == nil {
		return 0.5
	}
	return *v
}

func resolveFindingSource(fb normalize.FallbackInfo, findings []normalize.Finding) string {
	if fb.Used && fb.Strategy != "" {
		return fb.Strategy
	}
	if len(findings) == 0 {
		return "none"
	}
	return "vlm"
}

func seededFindingIDsFrom(findings []normalize.Finding) []string {
	out := []string{}
	for _, f := range findings {
		if f.Source == "mock_seed" {
			out = append(out, f.ID)
		}
	}
	return out
}

// resolveConfidenceLevel mirrors the source's banding: strong agreement
// needs both a high score and at least three supporting graph triples.
func resolveConfidenceLevel(score float64, pathTriples int) string {
	switch {
	case score >= 0.7 && pathTriples >= 3:
		return "high"
	case score >= 0.5 && pathTriples >= 3:
		return "medium"
	default:
		return "low"
	}
}

// graphPathsStrengthFn blends path coverage (up to 3 paths) with triple
// depth (up to 6 triples) into a single 0-1 evidence-strength score.
func graphPathsStrengthFn(pathCount, tripleTotal int) float64 {
	if pathCount <= 0 || tripleTotal <= 0 {
		return 0.0
	}
	coverage := math.Min(1, float64(pathCount)/3.0)
	depth := math.Min(1, float64(tripleTotal)/6.0)
	v := coverage*0.4 + depth*0.6
	if v > 1.0 {
		v = 1.0
	}
	return math.Round(v*1000) / 1000
}

// fallbackPathsFromFindings synthesises evidence paths directly from
// structured findings when the graph returns none, so the response and
// debug trace still show the derivation even without real graph paths.
// Synthetic finding ids are always FALLBACK_n; the findings' own IDs are
// not reused.
func fallbackPathsFromFindings(imageID string, findings []normalize.Finding, limit int) []contextbuilder.EvidencePath {
	if limit < 1 {
		limit = 1
	}
	n := limit
	if len(findings) < n {
		n = len(findings)
	}
	out := make([]contextbuilder.EvidencePath, 0, n)
	for i := 0; i < n; i++ {
		f := findings[i]
		conf := confOrDefault(f.Conf)
		label := fmt.Sprintf("%s at %s (conf %.2f)", f.Type, f.Location, conf)
		fallbackID := fmt.Sprintf("FALLBACK_%d", i+1)
		triples := []string{fmt.Sprintf("Image[%s] -HAS_FINDING-> Finding[%s]", imageID, fallbackID)}
		if f.Location != "" {
			triples = append(triples, fmt.Sprintf("Finding[%s] -LOCATED_IN-> Anatomy[%s]", fallbackID, f.Location))
		}
		out = append(out, contextbuilder.EvidencePath{
			Label: label, Triples: triples, Slot: "findings",
			Confidences: map[string]float64{"HAS_FINDING": conf},
		})
	}
	return out
}

func ensureFindingsSlotAllocation(pack *contextbuilder.Pack, minimum int) {
	if pack.SlotLimits == nil {
		pack.SlotLimits = map[string]int{}
	}
	if pack.SlotLimits["findings"] < minimum {
		pack.SlotLimits["findings"] = minimum
		pack.SlotMeta.RetriedFindings = true
	}
	total := 0
	for _, v := range pack.SlotLimits {
		total += v
	}
	if total > pack.SlotMeta.AllocatedTotal {
		pack.SlotMeta.AllocatedTotal = total
	}
}

func countTriples(paths []contextbuilder.EvidencePath) int {
	total := 0
	for _, p := range paths {
		total += len(p.Triples)
	}
	return total
}

// replaceImageTokens substitutes the literal placeholders a VLM/LLM
// sometimes echoes back verbatim with the request's resolved image id.
func replaceImageTokens(text, imageID string) string {
	text = strings.ReplaceAll(text, "(IMAGE_ID)", imageID)
	text = strings.ReplaceAll(text, "IMAGE_ID", imageID)
	return text
}

func toGraphstoreFindings(findings []normalize.Finding) []graphstore.Finding {
	out := make([]graphstore.Finding, 0, len(findings))
	for _, f := range findings {
		out = append(out, graphstore.Finding{ID: f.ID, Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: confOrDefault(f.Conf)})
	}
	return out
}

func toGraphstoreFacts(findings []normalize.Finding) []graphstore.Fact {
	out := make([]graphstore.Fact, 0, len(findings))
	for _, f := range findings {
		out = append(out, graphstore.Fact{Type: f.Type, Location: f.Location, SizeCM: f.SizeCM, Conf: confOrDefault(f.Conf)})
	}
	return out
}

func toGraphstoreEdges(edges []similarity.Edge) []graphstore.SimilarityEdge {
	out := make([]graphstore.SimilarityEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, graphstore.SimilarityEdge{TargetImageID: e.ImageID, Score: e.Score})
	}
	return out
}

func toConsensusFindings(findings []normalize.Finding) []consensus.Finding {
	out := make([]consensus.Finding, 0, len(findings))
	for _, f := range findings {
		out = append(out, consensus.Finding{Type: f.Type, Location: f.Location})
	}
	return out
}

func headFindingMaps(findings []normalize.Finding, n int) []map[string]any {
	if len(findings) > n {
		findings = findings[:n]
	}
	out := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		m := map[string]any{"type": f.Type, "location": f.Location}
		if f.SizeCM != nil {
			m["size_cm"] = *f.SizeCM
		}
		if f.Conf != nil {
			m["conf"] = *f.Conf
		}
		out = append(out, m)
	}
	return out
}

func headFactMaps(facts []graphstore.Fact, n int) []map[string]any {
	if len(facts) > n {
		facts = facts[:n]
	}
	out := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		m := map[string]any{"type": f.Type, "location": f.Location, "conf": f.Conf}
		if f.SizeCM != nil {
			m["size_cm"] = *f.SizeCM
		}
		out = append(out, m)
	}
	return out
}

func headPathMaps(paths []contextbuilder.EvidencePath, n int) []map[string]any {
	if len(paths) > n {
		paths = paths[:n]
	}
	out := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		out = append(out, map[string]any{"label": p.Label, "slot": p.Slot, "triples_len": len(p.Triples)})
	}
	return out
}

func toSimilarSeedMaps(summaries []similarity.Summary) []map[string]any {
	out := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, map[string]any{"image_id": s.ImageID, "score": s.Score})
	}
	return out
}

func consensusToMap(c consensus.Result) map[string]any {
	return map[string]any{
		"text": c.Text, "presented_text": c.PresentedText, "status": c.Status, "confidence": c.Confidence,
		"notes": c.Notes, "supporting_modes": c.SupportingModes, "disagreed_modes": c.DisagreedModes,
		"agreement_score": round3(c.AgreementScore), "evaluated_modes": c.EvaluatedModes, "degraded_inputs": c.DegradedInputs,
	}
}

func evaluationToMap(e Evaluation) map[string]any {
	return map[string]any{
		"image_id": e.ImageID, "similar_seed_images": toSimilarSeedMaps(e.SimilarSeedImages), "edges_created": e.EdgesCreated,
		"ctx_paths_len": e.CtxPathsLen, "agreement_score": e.AgreementScore, "confidence": e.Confidence,
		"status": e.Status, "notes": e.Notes, "finding_source": e.FindingSource, "seeded_finding_ids": e.SeededFindingIDs,
	}
}
