// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FindingStub is one seeded finding row used by the normaliser's mock_seed
// fallback path when a VLM response comes back empty.
type FindingStub struct {
	FindingID string
	Type      string
	Location  string
	SizeCM    *float64
	Conf      float64
	Source    string
}

// FindingRegistry loads the seeded findings.csv dataset, keyed by
// image_id, preserving row order within each image.
type FindingRegistry struct {
	mu      sync.RWMutex
	byImage map[string][]FindingStub
	dir     string
}

// LoadFindingRegistry builds a FindingRegistry from findings.csv under dir.
// A missing file yields an empty (but usable) registry.
func LoadFindingRegistry(dir string) (*FindingRegistry, error) {
	reg := &FindingRegistry{dir: dir, byImage: map[string][]FindingStub{}}
	if err := reg.reload(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (f *FindingRegistry) reload() error {
	path := filepath.Join(f.dir, "findings.csv")
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		f.mu.Lock()
		f.byImage = map[string][]FindingStub{}
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	idCol := indexOf(header, "id")
	imageCol := indexOf(header, "image_id")
	typeCol := indexOf(header, "type")
	locationCol := indexOf(header, "location")
	sizeCol := indexOf(header, "size_cm")
	confCol := indexOf(header, "conf")
	sourceCol := indexOf(header, "source")

	byImage := map[string][]FindingStub{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		imageID := field(record, imageCol)
		if imageID == "" {
			continue
		}
		canonical, err := NormaliseID(imageID)
		if err != nil {
			continue
		}
		stub := FindingStub{
			FindingID: field(record, idCol),
			Type:      field(record, typeCol),
			Location:  field(record, locationCol),
			Conf:      parseConf(field(record, confCol)),
			Source:    field(record, sourceCol),
		}
		if stub.Source == "" {
			stub.Source = "mock_seed"
		}
		if size, ok := parseSize(field(record, sizeCol)); ok {
			stub.SizeCM = &size
		}
		byImage[canonical] = append(byImage[canonical], stub)
	}

	f.mu.Lock()
	f.byImage = byImage
	f.mu.Unlock()
	return nil
}

// Count returns the number of distinct images with at least one seeded
// finding, used by medgraphctl seed-registry to report what it validated.
func (f *FindingRegistry) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byImage)
}

// Reload re-reads findings.csv, atomically swapping the in-memory table.
func (f *FindingRegistry) Reload() error {
	return f.reload()
}

// Resolve returns the seeded findings for imageID, or an empty slice if
// none are seeded. The returned slice is a defensive copy.
func (f *FindingRegistry) Resolve(imageID string) []FindingStub {
	canonical, err := NormaliseID(imageID)
	if err != nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	stubs, ok := f.byImage[canonical]
	if !ok {
		return nil
	}
	out := make([]FindingStub, len(stubs))
	copy(out, stubs)
	return out
}

func parseConf(raw string) float64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func parseSize(raw string) (float64, bool) {
	if strings.TrimSpace(raw) == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return roundToTenth(v), true
}

func roundToTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
