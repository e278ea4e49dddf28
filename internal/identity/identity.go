// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity resolves the canonical image_id, case_id, and
// storage_uri for an /analyze request, reconciling the caller's payload,
// the normaliser's output, and the seeded registry into one record.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/medgraph/internal/registry"
)

// ErrBlankImageID is returned when the caller supplied an image_id that is
// present but empty after trimming.
var ErrBlankImageID = errors.New("identity: image_id must not be blank")

// ErrUnidentifiable is returned when no source (payload, registry lookup,
// filename pattern, or slug fallback) yields an image identifier.
var ErrUnidentifiable = errors.New("identity: unable to derive image identifier")

// Payload is the subset of request fields the resolver needs.
type Payload struct {
	CaseID         string
	ImageID        string
	FilePath       string
	IdempotencyKey string
}

// NormalizedImage is the subset of the C1 output the resolver reads and
// augments in place via Resolve's returned patch.
type NormalizedImage struct {
	ImageID    string
	Path       string
	StorageURI string
	Modality   string
}

// Identity is the resolved record consumed by the graph repository and
// debug trace builder.
type Identity struct {
	ImageID        string
	CaseID         string
	Path           string
	StorageURI     string
	StorageURIKey  string
	ImageIDSource  string // payload, dummy_lookup, file_path, normalizer
	LookupSource   string // id, alias, filename, ""
	SeedHit        bool
	LookupResult   registry.Result
}

var invalidIDChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Resolve reconciles payload, normalizedImage, resolvedPath, and imagePath
// into an Identity and the NormalizedImage patch that should replace the
// caller's copy. reg may be nil, in which case registry lookups are
// skipped (every request still resolves via the path/slug fallback chain).
func Resolve(payload Payload, normalizedImage NormalizedImage, resolvedPath, imagePath string, reg *registry.Registry) (Identity, NormalizedImage, error) {
	working := normalizedImage
	imageID := working.ImageID
	var lookup registry.Result
	var lookupSource string
	seedHit := false
	imageIDSource := "normalizer"

	if payload.ImageID != "" && strings.TrimSpace(payload.ImageID) == "" {
		return Identity{}, working, ErrBlankImageID
	}

	switch {
	case strings.TrimSpace(payload.ImageID) != "":
		candidate := strings.TrimSpace(payload.ImageID)
		normalised, err := registry.NormaliseID(candidate)
		if err != nil {
			return Identity{}, working, ErrBlankImageID
		}
		imageID = normalised
		imageIDSource = "payload"
	default:
		path := firstNonEmpty(resolvedPath, payload.FilePath, imagePath, working.Path)
		derived, lookupCandidate, ok := deriveImageIDFromPath(path, reg)
		if ok {
			imageID = derived
			if lookupCandidate != nil {
				lookup = *lookupCandidate
				lookupSource = lookup.Source
				seedHit = true
				imageIDSource = "dummy_lookup"
			} else {
				imageIDSource = "file_path"
			}
		}
	}

	if strings.TrimSpace(imageID) == "" {
		return Identity{}, working, ErrUnidentifiable
	}
	normalisedID, err := registry.NormaliseID(imageID)
	if err != nil {
		return Identity{}, working, ErrUnidentifiable
	}
	imageID = normalisedID

	if !seedHit && reg != nil {
		if result, ok := reg.ResolveByID(imageID); ok {
			lookup = result
			lookupSource = result.Source
			seedHit = true
			if imageIDSource != "payload" {
				imageIDSource = "dummy_lookup"
			}
		}
	}

	finalPath := firstNonEmpty(imagePath, payload.FilePath, working.Path)
	caseID := payload.CaseID
	if strings.TrimSpace(caseID) == "" {
		caseID = resolveCaseID(payload, imagePath, imageID)
	}

	storageURI := resolveSeedStorageURI(resolvedPath, imageID, lookup.StorageURI)
	if storageURI == "" {
		storageURI = working.StorageURI
	}
	if storageURI == "" && finalPath != "" {
		storageURI = resolveSeedStorageURI(finalPath, imageID, "")
		if storageURI == "" {
			storageURI = finalPath
		}
	}
	storageURI = strings.TrimSpace(storageURI)

	storageURIKey := ""
	if storageURI != "" {
		storageURIKey = filepath.Base(storageURI)
	}
	if storageURIKey == "" && resolvedPath != "" {
		storageURIKey = filepath.Base(resolvedPath)
	}
	storageURIKey = strings.TrimSpace(storageURIKey)

	if lookup.Modality != "" && working.Modality == "" {
		working.Modality = lookup.Modality
	}
	if finalPath != "" {
		working.Path = finalPath
	}
	working.ImageID = imageID
	if storageURI != "" {
		working.StorageURI = storageURI
	}

	identity := Identity{
		ImageID:       imageID,
		CaseID:        caseID,
		Path:          finalPath,
		StorageURI:    storageURI,
		StorageURIKey: storageURIKey,
		ImageIDSource: imageIDSource,
		LookupSource:  lookupSource,
		SeedHit:       seedHit,
		LookupResult:  lookup,
	}
	return identity, working, nil
}

func deriveImageIDFromPath(path string, reg *registry.Registry) (string, *registry.Result, bool) {
	if path == "" {
		return "", nil, false
	}
	if reg != nil {
		if result, ok := reg.ResolveByPath(path); ok {
			return result.ImageID, &result, true
		}
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if candidate := extractExistingIdentifier(stem); candidate != "" {
		return candidate, nil, true
	}
	slug := buildSlugIdentifier(firstNonEmpty(stem, path))
	if slug != "" {
		return slug, nil, true
	}
	return "", nil, false
}

func extractExistingIdentifier(stem string) string {
	if stem == "" {
		return ""
	}
	cleaned := strings.ToUpper(invalidUnderscoreChars.ReplaceAllString(stem, ""))
	if cleaned == "" || !strings.HasPrefix(cleaned, "IMG") {
		return ""
	}
	normalised, err := registry.NormaliseID(cleaned)
	if err != nil {
		return ""
	}
	return normalised
}

var invalidUnderscoreChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func buildSlugIdentifier(value string) string {
	if value == "" {
		return ""
	}
	slug := strings.ToUpper(slugify(value))
	if slug == "" {
		return ""
	}
	if len(slug) > 24 {
		slug = slug[:24]
	}
	sum := sha1.Sum([]byte(value))
	digest := strings.ToUpper(hex.EncodeToString(sum[:])[:6])
	return fmt.Sprintf("IMG_%s_%s", slug, digest)
}

var imgNumericPattern = regexp.MustCompile(`^IMG_\d+$`)
var imgCompactPattern = regexp.MustCompile(`^IMG\d+$`)
var modalityPrefixedPattern = regexp.MustCompile(`^(CT|US|XR)\d+$`)

func resolveSeedStorageURI(filePath, imageID, preferred string) string {
	if strings.TrimSpace(preferred) != "" {
		return strings.TrimSpace(preferred)
	}
	if filePath == "" {
		return ""
	}
	if strings.HasPrefix(filePath, "/mnt/data/medical_dummy/") || strings.HasPrefix(filePath, "/data/dummy/") {
		return filePath
	}

	suffix := strings.ToLower(filepath.Ext(filePath))
	if suffix == "" {
		suffix = ".png"
	}
	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	normalisedID := strings.ToUpper(strings.TrimSpace(imageID))
	stemUpper := strings.ToUpper(stem)

	switch {
	case imgNumericPattern.MatchString(normalisedID):
		return fmt.Sprintf("/mnt/data/medical_dummy/images/%s%s", strings.ToLower(normalisedID), suffix)
	case imgNumericPattern.MatchString(stemUpper):
		return fmt.Sprintf("/mnt/data/medical_dummy/images/%s%s", strings.ToLower(stem), suffix)
	case imgCompactPattern.MatchString(normalisedID):
		return fmt.Sprintf("/data/dummy/%s%s", normalisedID, suffix)
	case imgCompactPattern.MatchString(stemUpper):
		return fmt.Sprintf("/data/dummy/%s%s", stemUpper, suffix)
	case modalityPrefixedPattern.MatchString(normalisedID):
		return fmt.Sprintf("/data/dummy/%s%s", normalisedID, suffix)
	case modalityPrefixedPattern.MatchString(stemUpper):
		return fmt.Sprintf("/data/dummy/%s%s", stemUpper, suffix)
	case strings.HasPrefix(strings.ToLower(stem), "img_"):
		return fmt.Sprintf("/mnt/data/medical_dummy/images/%s%s", strings.ToLower(stem), suffix)
	default:
		return filePath
	}
}

func resolveCaseID(payload Payload, imagePath, imageID string) string {
	seed := payload.IdempotencyKey
	if seed == "" {
		seed = imageID
	}
	if seed == "" && imagePath != "" {
		seed = strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	}
	if seed == "" {
		seed = uuid.NewString()[:12]
	}
	return "CASE_" + strings.ToUpper(slugify(seed))
}

func slugify(value string) string {
	cleaned := strings.Trim(invalidIDChars.ReplaceAllString(value, "_"), "_")
	if cleaned == "" {
		cleaned = uuid.NewString()[:12]
	}
	if len(cleaned) > 48 {
		cleaned = cleaned[:48]
	}
	return cleaned
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
