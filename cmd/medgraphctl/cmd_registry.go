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
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/medgraph/internal/registry"
)

var seedDir string

var seedRegistryCmd = &cobra.Command{
	Use:   "seed-registry",
	Short: "Load and validate the seeded imaging/finding CSVs under a data directory",
	RunE:  runSeedRegistry,
}

var reloadRegistryCmd = &cobra.Command{
	Use:   "reload-registry",
	Short: "Watch a data directory and re-validate the registry on each CSV change",
	Long: `reload-registry does not talk to a running medgraphd process — it
exercises the same Load/Reload path an operator would trigger after editing
the seeded CSVs, so a bad edit is caught before a restart picks it up. The
running service itself loads its registry once at startup and never watches
the filesystem; this command is the explicit, manual substitute.`,
	RunE: runReloadRegistry,
}

func init() {
	seedRegistryCmd.Flags().StringVar(&seedDir, "dir", os.Getenv("MEDICAL_DUMMY_DIR"), "directory containing imaging.csv, imaging_aliases.csv, findings.csv")
	reloadRegistryCmd.Flags().StringVar(&seedDir, "dir", os.Getenv("MEDICAL_DUMMY_DIR"), "directory containing imaging.csv, imaging_aliases.csv, findings.csv")
}

func runSeedRegistry(cmd *cobra.Command, args []string) error {
	if seedDir == "" {
		return fmt.Errorf("seed-registry: --dir (or MEDICAL_DUMMY_DIR) is required")
	}
	reg, findingReg, err := loadRegistries(seedDir)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d image(s) and %d image(s) with seeded findings from %s\n", reg.Count(), findingReg.Count(), seedDir)
	return nil
}

func runReloadRegistry(cmd *cobra.Command, args []string) error {
	if seedDir == "" {
		return fmt.Errorf("reload-registry: --dir (or MEDICAL_DUMMY_DIR) is required")
	}
	reg, findingReg, err := loadRegistries(seedDir)
	if err != nil {
		return err
	}
	fmt.Printf("watching %s (ctrl-c to stop); initial load: %d image(s), %d with findings\n", seedDir, reg.Count(), findingReg.Count())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("reload-registry: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(seedDir); err != nil {
		return fmt.Errorf("reload-registry: watch %s: %w", seedDir, err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := reg.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "reload-registry: imaging reload failed: %v\n", err)
				continue
			}
			if err := findingReg.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "reload-registry: findings reload failed: %v\n", err)
				continue
			}
			fmt.Printf("reloaded after %s: %d image(s), %d with findings\n", event.Name, reg.Count(), findingReg.Count())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "reload-registry: watcher error: %v\n", err)
		}
	}
}

func loadRegistries(dir string) (*registry.Registry, *registry.FindingRegistry, error) {
	reg := registry.New(dir)
	if err := reg.Load(); err != nil {
		return nil, nil, fmt.Errorf("load imaging registry: %w", err)
	}
	findingReg, err := registry.LoadFindingRegistry(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load finding registry: %w", err)
	}
	return reg, findingReg, nil
}
