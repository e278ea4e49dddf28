// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry loads the seeded dummy imaging dataset used to align
// incoming file paths and image_ids with pre-existing graph nodes.
//
// # Description
//
// The registry is built once from two CSV files under a data directory
// (imaging.csv and imaging_aliases.csv) and held read-only in memory for
// the life of the process. The service never watches the filesystem or
// reloads it, so a running pipeline's lookups stay deterministic; the
// medgraphctl reload-registry subcommand runs Reload in its own process to
// validate CSV edits and does not reach a running medgraphd.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrBlankImageID is returned by NormaliseID when given an empty identifier.
var ErrBlankImageID = errors.New("registry: image_id cannot be blank")

// Result is a successful lookup, with Source recording how the match was
// made ("id", "alias", or "filename").
type Result struct {
	ImageID    string
	StorageURI string
	Modality   string
	Source     string
}

type row struct {
	storageURI string
	modality   string
}

// Registry is a concurrency-safe, load-once index over the seeded imaging
// dataset.
//
// # Thread Safety
//
// Safe for concurrent reads after Load returns. Reload replaces the
// internal tables atomically under a write lock.
type Registry struct {
	mu    sync.RWMutex
	rows  map[string]row
	alias map[string]string
	dir   string
}

// New constructs an empty registry rooted at dir; call Load to populate it.
func New(dir string) *Registry {
	return &Registry{dir: dir, rows: map[string]row{}, alias: map[string]string{}}
}

// Load reads imaging.csv and imaging_aliases.csv from the registry's data
// directory, replacing any previously loaded tables. A missing
// imaging.csv is tolerated and yields an empty registry; a missing
// imaging_aliases.csv is likewise tolerated since aliases are optional.
func (r *Registry) Load() error {
	rows, err := loadImagingRows(filepath.Join(r.dir, "imaging.csv"))
	if err != nil {
		return fmt.Errorf("registry: load imaging.csv: %w", err)
	}
	alias, err := loadAliasMap(filepath.Join(r.dir, "imaging_aliases.csv"), rows)
	if err != nil {
		return fmt.Errorf("registry: load imaging_aliases.csv: %w", err)
	}

	r.mu.Lock()
	r.rows = rows
	r.alias = alias
	r.mu.Unlock()
	return nil
}

// Reload re-reads the data directory and atomically swaps in the new
// tables. It is the operator-triggered counterpart to Load, used by
// medgraphctl reload-registry.
func (r *Registry) Reload() error {
	return r.Load()
}

func loadImagingRows(path string) (map[string]row, error) {
	rows := make(map[string]row)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return rows, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return rows, nil
	}
	if err != nil {
		return nil, err
	}
	idCol := indexOf(header, "id")
	pathCol := indexOf(header, "file_path")
	modalityCol := indexOf(header, "modality")
	if idCol < 0 {
		return rows, nil
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		imageID := field(record, idCol)
		if imageID == "" {
			continue
		}
		canonical, err := NormaliseID(imageID)
		if err != nil {
			continue
		}
		rows[canonical] = row{
			storageURI: field(record, pathCol),
			modality:   field(record, modalityCol),
		}
	}
	return rows, nil
}

func loadAliasMap(path string, rows map[string]row) (map[string]string, error) {
	alias := make(map[string]string)
	for imageID, rec := range rows {
		if rec.storageURI == "" {
			continue
		}
		canonicalAlias := canonicalFilename(filepath.Base(rec.storageURI))
		if _, exists := alias[canonicalAlias]; !exists {
			alias[canonicalAlias] = imageID
		}
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return alias, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return alias, nil
	}
	if err != nil {
		return nil, err
	}
	aliasCol := indexOf(header, "alias")
	idCol := indexOf(header, "image_id")
	if aliasCol < 0 || idCol < 0 {
		return alias, nil
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		aliasValue := field(record, aliasCol)
		imageID := field(record, idCol)
		if aliasValue == "" || imageID == "" {
			continue
		}
		canonical, err := NormaliseID(imageID)
		if err != nil {
			continue
		}
		alias[canonicalFilename(aliasValue)] = canonical
	}
	return alias, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func canonicalFilename(name string) string {
	canonical := strings.ToLower(strings.TrimSpace(name))
	canonical = whitespaceRun.ReplaceAllString(canonical, "-")
	canonical = strings.ReplaceAll(canonical, "/", "-")
	canonical = strings.ReplaceAll(canonical, "\\", "-")
	return canonical
}

var filenameImgPattern = regexp.MustCompile(`(img)[_-]?(\d{3})`)

func deriveCandidateFromName(name string) string {
	match := filenameImgPattern.FindStringSubmatch(name)
	if match == nil {
		return ""
	}
	return strings.ToUpper(match[1]) + "_" + match[2]
}

var underscoreRun = regexp.MustCompile(`_+`)

// NormaliseID canonicalises a raw image identifier: trims whitespace,
// converts hyphens to underscores, drops interior spaces, uppercases, and
// collapses repeated underscores.
func NormaliseID(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", ErrBlankImageID
	}
	cleaned = strings.ReplaceAll(cleaned, "-", "_")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ToUpper(cleaned)
	cleaned = underscoreRun.ReplaceAllString(cleaned, "_")
	return cleaned, nil
}

// Count returns the number of distinct images currently loaded, used by
// medgraphctl seed-registry to report what it validated.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// ResolveByID looks up a previously-loaded image by its canonical ID.
func (r *Registry) ResolveByID(rawID string) (Result, bool) {
	canonical, err := NormaliseID(rawID)
	if err != nil {
		return Result{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[canonical]
	if !ok {
		return Result{}, false
	}
	return Result{ImageID: canonical, StorageURI: rec.storageURI, Modality: rec.modality, Source: "id"}, true
}

// ResolveByPath matches a file path against the alias table, then a
// filename-embedded IMG### pattern, falling back to no match.
func (r *Registry) ResolveByPath(path string) (Result, bool) {
	if path == "" {
		return Result{}, false
	}
	name := filepath.Base(path)
	if name == "" || name == "." {
		return Result{}, false
	}
	canonicalName := canonicalFilename(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidateID, ok := r.alias[canonicalName]
	source := "alias"
	if !ok {
		candidateID = deriveCandidateFromName(canonicalName)
		source = "filename"
	}
	if candidateID == "" {
		return Result{}, false
	}
	canonical, err := NormaliseID(candidateID)
	if err != nil {
		return Result{}, false
	}
	rec, ok := r.rows[canonical]
	if !ok {
		return Result{}, false
	}
	return Result{ImageID: canonical, StorageURI: rec.storageURI, Modality: rec.modality, Source: source}, true
}
