// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize implements C1: calling the VLM for a first-pass read
// of an image, parsing its JSON-shaped output, deriving stable ids, and
// running the finding fallback chain when the model comes back empty.
package normalize

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/medgraph/internal/llmclient"
	"github.com/AleutianAI/medgraph/internal/registry"
)

// ErrMissingFile is returned when Request.ImagePath is empty. A path that
// cannot be read yields a wrapped read error instead.
var ErrMissingFile = errors.New("normalize: file_path is required")

// Finding is one extracted or seeded finding before ontology canonicalisation.
type Finding struct {
	ID       string
	Type     string
	Location string
	SizeCM   *float64
	Conf     *float64
	Source   string
}

// Report is the free-text read produced by the VLM for one image.
type Report struct {
	ID    string
	Text  string
	Model string
	Conf  float64
	TS    string
}

// Image is the image-scoped metadata folded into the normalised bundle.
type Image struct {
	ImageID    string
	Path       string
	Modality   string
	StorageURI string
}

// FallbackInfo records which finding fallback path (if any) produced the
// bundle's findings; this blob is monotonic downstream per spec.
type FallbackInfo struct {
	Used        bool
	RegistryHit bool
	Strategy    string
	Force       bool
}

// Bundle is the normalised read handed to the identity resolver.
type Bundle struct {
	Image           Image
	Report          Report
	Findings        []Finding
	Caption         string
	CaptionKo       string
	VLMLatencyMS    int
	CacheHit        bool
	FindingFallback FallbackInfo
}

// Request configures one Normalize call.
type Request struct {
	ImagePath          string
	ImageID            string
	ForceDummyFallback bool
	CacheSeed          string
	CacheEnabled       bool
}

// Normaliser wires the VLM runner, the seeded finding registry, and an
// optional filesystem cache of previously-normalised bundles.
type Normaliser struct {
	VLM      llmclient.VLMRunner
	Findings *registry.FindingRegistry
	CacheDir string
}

// New constructs a Normaliser.
func New(vlm llmclient.VLMRunner, findings *registry.FindingRegistry, cacheDir string) *Normaliser {
	return &Normaliser{VLM: vlm, Findings: findings, CacheDir: cacheDir}
}

var keywordMap = []struct{ keyword, label string }{
	{"nodule", "nodule"},
	{"결절", "nodule"},
	{"opacity", "opacity"},
	{"음영", "opacity"},
}

var lobeMap = []struct{ code, label string }{
	{"rul", "right upper lobe"},
	{"rml", "right middle lobe"},
	{"rll", "right lower lobe"},
	{"lul", "left upper lobe"},
	{"lll", "left lower lobe"},
}

var sizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*cm`)
var jsonSubstringPattern = regexp.MustCompile(`(?s)\{.*\}`)

func forceJSONPrompt() string {
	return "You are a radiology assistant. Respond ONLY with JSON using this schema: " +
		`{"image":{"modality":"XR|CT|MR","image_id":"string?"},` +
		`"report":{"id":"string?","text":"string","model":"string?","conf":0-1,"ts":"iso?"},` +
		`"findings":[{"id":"string?","type":"string","location":"string?","size_cm":number?,"conf":0-1?}],` +
		`"caption":"string","caption_ko":"string?"}. Ensure valid JSON with double quotes.`
}

// Normalize implements the spec.md §4.1 behaviour: cache lookup, VLM call,
// id derivation, and the three-step finding fallback chain.
func (n *Normaliser) Normalize(ctx context.Context, req Request) (Bundle, error) {
	if req.ImagePath == "" {
		return Bundle{}, ErrMissingFile
	}

	if req.CacheEnabled && n.CacheDir != "" {
		if cached, ok := n.readCache(req); ok {
			cached.CacheHit = true
			return cached, nil
		}
	}

	imageBytes, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return Bundle{}, fmt.Errorf("normalize: read image: %w", err)
	}

	start := time.Now()
	result, err := n.VLM.Generate(ctx, imageBytes, forceJSONPrompt(), llmclient.TaskCaption)
	if err != nil {
		return Bundle{}, fmt.Errorf("normalize: vlm generate: %w", err)
	}
	latencyMS := result.LatencyMS
	if latencyMS == 0 {
		latencyMS = int(time.Since(start).Milliseconds())
	}

	parsed := parseJSONOutput(result.Output)

	imagePayload, _ := parsed["image"].(map[string]interface{})
	resolvedImageID := req.ImageID
	if resolvedImageID == "" {
		resolvedImageID, _ = imagePayload["image_id"].(string)
	}
	if resolvedImageID == "" {
		resolvedImageID = deriveImageID(req.ImagePath)
	}

	modality, _ := imagePayload["modality"].(string)
	if modality == "" {
		modality, _ = parsed["modality"].(string)
	}

	reportBlock, _ := parsed["report"].(map[string]interface{})
	captionText := firstString(parsed["caption"], reportBlock["text"], result.Output)
	captionText = strings.TrimSpace(captionText)

	modelName := firstString(reportBlock["model"], result.Model, n.VLM.Model())

	reportConf := clampConfAny(reportBlock["conf"])
	if reportConf == nil {
		if c := clampConfAny(parsed["confidence"]); c != nil {
			reportConf = c
		} else {
			defaultConf := 0.8
			reportConf = &defaultConf
		}
	}

	reportTS, _ := reportBlock["ts"].(string)
	if reportTS == "" {
		reportTS = time.Now().UTC().Format(time.RFC3339)
	}

	reportID, _ := reportBlock["id"].(string)
	if reportID == "" {
		reportID = deriveReportID(resolvedImageID, firstNonEmpty(captionText, result.Output), modelName)
	}

	rawFindings, _ := parsed["findings"].([]interface{})
	findings := normaliseFindings(rawFindings, resolvedImageID)

	fallback := FallbackInfo{Force: req.ForceDummyFallback}
	if len(findings) == 0 || req.ForceDummyFallback {
		candidates, registryHit, strategy := n.fallbackFindings(captionText, resolvedImageID)
		if len(candidates) > 0 {
			fallback.Used = true
			fallback.RegistryHit = registryHit
			fallback.Strategy = strategy
			findings = normaliseFindings(candidates, resolvedImageID)
		}
	}

	captionKo, _ := parsed["caption_ko"].(string)
	if strings.TrimSpace(captionKo) != "" {
		captionKo = clampOneLine(captionKo, 120)
	} else {
		captionKo = ""
	}

	bundle := Bundle{
		Image: Image{
			ImageID:  resolvedImageID,
			Path:     req.ImagePath,
			Modality: modality,
		},
		Report: Report{
			ID:    reportID,
			Text:  firstNonEmpty(captionText, result.Output),
			Model: modelName,
			Conf:  *reportConf,
			TS:    reportTS,
		},
		Findings:        findings,
		Caption:         firstNonEmpty(captionText, result.Output),
		CaptionKo:       captionKo,
		VLMLatencyMS:    latencyMS,
		FindingFallback: fallback,
	}

	if req.CacheEnabled && n.CacheDir != "" {
		n.writeCache(req, bundle)
	}
	return bundle, nil
}

type fallbackCandidate struct {
	id       string
	typ      string
	location string
	sizeCM   *float64
	conf     float64
	source   string
}

func (n *Normaliser) fallbackFindings(caption, imageID string) ([]interface{}, bool, string) {
	if imageID != "" && n.Findings != nil {
		seeded := n.Findings.Resolve(imageID)
		if len(seeded) > 0 {
			candidates := make([]interface{}, 0, len(seeded))
			for _, stub := range seeded {
				m := map[string]interface{}{
					"id":       stub.FindingID,
					"type":     stub.Type,
					"location": stub.Location,
					"conf":     stub.Conf,
					"source":   stub.Source,
				}
				if stub.SizeCM != nil {
					m["size_cm"] = *stub.SizeCM
				}
				candidates = append(candidates, m)
			}
			return candidates, true, "mock_seed"
		}
	}

	text := strings.TrimSpace(caption)
	if text == "" {
		return nil, false, ""
	}
	lowered := strings.ToLower(text)

	findingType := ""
	for _, kw := range keywordMap {
		if strings.Contains(lowered, kw.keyword) || strings.Contains(text, kw.keyword) {
			findingType = kw.label
			break
		}
	}
	if findingType == "" {
		return nil, false, ""
	}

	location := ""
	for _, lobe := range lobeMap {
		codePattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(lobe.code) + `\b`)
		if codePattern.MatchString(text) || strings.Contains(lowered, lobe.label) {
			location = lobe.label
			break
		}
	}

	var sizeCM *float64
	if match := sizePattern.FindStringSubmatch(text); match != nil {
		if v, err := strconv.ParseFloat(match[1], 64); err == nil {
			rounded := roundToTenth(v)
			sizeCM = &rounded
		}
	}

	candidate := map[string]interface{}{
		"type":     findingType,
		"location": location,
		"conf":     0.5,
		"source":   "caption_keywords",
	}
	if sizeCM != nil {
		candidate["size_cm"] = *sizeCM
	}
	return []interface{}{candidate}, false, "caption_keywords"
}

func normaliseFindings(raw []interface{}, imageID string) []Finding {
	findings := make([]Finding, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		findingType, _ := m["type"].(string)
		location, _ := m["location"].(string)
		sizeCM := coerceFloat(m["size_cm"])
		if sizeCM != nil {
			rounded := roundToTenth(*sizeCM)
			sizeCM = &rounded
		}
		conf := clampConfAny(m["conf"])
		findingID, _ := m["id"].(string)
		if findingID == "" {
			findingID = deriveFindingID(imageID, findingType, location, sizeCM)
		}
		source, _ := m["source"].(string)
		findings = append(findings, Finding{
			ID:       findingID,
			Type:     findingType,
			Location: location,
			SizeCM:   sizeCM,
			Conf:     conf,
			Source:   source,
		})
	}
	return findings
}

func parseJSONOutput(output string) map[string]interface{} {
	text := strings.TrimSpace(output)
	if text == "" {
		return map[string]interface{}{}
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	if match := jsonSubstringPattern.FindString(text); match != "" {
		if err := json.Unmarshal([]byte(match), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]interface{}{}
}

func deriveImageID(path string) string {
	sum := sha1.Sum([]byte(path))
	return "IMG_" + hex.EncodeToString(sum[:])[:8]
}

func deriveReportID(imageID, text, model string) string {
	keyText := text
	if len(keyText) > 256 {
		keyText = keyText[:256]
	}
	seed := imageID + "|" + keyText + "|" + model
	sum := sha1.Sum([]byte(seed))
	return "R_" + hex.EncodeToString(sum[:])[:12]
}

func deriveFindingID(imageID, findingType, location string, sizeCM *float64) string {
	sizeComponent := "na"
	if sizeCM != nil {
		sizeComponent = fmt.Sprintf("%.1f", *sizeCM)
	}
	seed := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(imageID)),
		strings.ToLower(strings.TrimSpace(findingType)),
		strings.ToLower(strings.TrimSpace(location)),
		sizeComponent,
	}, "|")
	sum := sha1.Sum([]byte(seed))
	return "f_" + hex.EncodeToString(sum[:])[:12]
}

func clampOneLine(text string, maxChars int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if maxChars <= 0 || len(cleaned) <= maxChars {
		return cleaned
	}
	return cleaned[:maxChars]
}

func coerceFloat(v interface{}) *float64 {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		return &val
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return &f
		}
		return nil
	default:
		return nil
	}
}

func clampConfAny(v interface{}) *float64 {
	f := coerceFloat(v)
	if f == nil {
		return nil
	}
	clamped := *f
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 1 {
		clamped = 1
	}
	return &clamped
}

func roundToTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func firstString(values ...interface{}) string {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// cacheKey mirrors the teacher's "cache key must include the force flag"
// requirement: forced and non-forced runs of the same seed are distinct.
func cacheKey(seed string, force bool) string {
	payload := fmt.Sprintf("%s|%v", seed, force)
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type cachedBundle struct {
	Image           Image
	Report          Report
	Findings        []Finding
	Caption         string
	CaptionKo       string
	VLMLatencyMS    int
	FindingFallback FallbackInfo
}

func (n *Normaliser) cachePath(req Request) string {
	return filepath.Join(n.CacheDir, "normalized_"+cacheKey(req.CacheSeed, req.ForceDummyFallback)+".json")
}

func (n *Normaliser) readCache(req Request) (Bundle, bool) {
	raw, err := os.ReadFile(n.cachePath(req))
	if err != nil {
		return Bundle{}, false
	}
	var decoded cachedBundle
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Bundle{}, false
	}
	return Bundle{
		Image:           decoded.Image,
		Report:          decoded.Report,
		Findings:        decoded.Findings,
		Caption:         decoded.Caption,
		CaptionKo:       decoded.CaptionKo,
		VLMLatencyMS:    decoded.VLMLatencyMS,
		FindingFallback: decoded.FindingFallback,
	}, true
}

func (n *Normaliser) writeCache(req Request, bundle Bundle) {
	if err := os.MkdirAll(n.CacheDir, 0o755); err != nil {
		return
	}
	payload := cachedBundle{
		Image:           bundle.Image,
		Report:          bundle.Report,
		Findings:        bundle.Findings,
		Caption:         bundle.Caption,
		CaptionKo:       bundle.CaptionKo,
		VLMLatencyMS:    bundle.VLMLatencyMS,
		FindingFallback: bundle.FindingFallback,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(n.cachePath(req), raw, 0o644)
}
