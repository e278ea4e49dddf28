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
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var healthTargetURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Hit a running medgraphd's dependency health endpoints",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthTargetURL, "url", "http://localhost:8080", "base URL of a running medgraphd")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	probes := []string{"llm", "vlm", "graph"}
	failures := 0
	for _, dep := range probes {
		url := healthTargetURL + "/health/" + dep
		resp, err := client.Get(url)
		if err != nil {
			fmt.Printf("%-6s DOWN  (%v)\n", dep, err)
			failures++
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("%-6s UP\n", dep)
		} else {
			fmt.Printf("%-6s DOWN  (status %d)\n", dep, resp.StatusCode)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
	return nil
}
