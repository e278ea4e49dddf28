// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"testing"

	medconfig "github.com/AleutianAI/medgraph/internal/config"
	"github.com/AleutianAI/medgraph/internal/graphstore/memstore"
)

func TestNewGraphRepositoryFallsBackToMemstoreWhenUnconfigured(t *testing.T) {
	cfg := &medconfig.Config{}
	repo, err := newGraphRepository(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.(*memstore.Store); !ok {
		t.Fatalf("expected a memstore.Store fallback, got %T", repo)
	}
}

func TestNewGraphRepositoryRejectsMalformedWeaviateURL(t *testing.T) {
	cfg := &medconfig.Config{WeaviateServiceURL: "::not-a-url"}
	if _, err := newGraphRepository(cfg); err == nil {
		t.Fatal("expected an error for a malformed weaviate URL")
	}
}

func TestNewGraphRepositoryBuildsWeaviateRepositoryWhenConfigured(t *testing.T) {
	cfg := &medconfig.Config{WeaviateServiceURL: "http://weaviate.internal:8080"}
	repo, err := newGraphRepository(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo == nil {
		t.Fatal("expected a non-nil repository")
	}
}
