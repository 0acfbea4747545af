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

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "autofilld",
		Short: "Predictive autofill coordinator",
		Long: `autofilld relays page context to the prediction backend, keeps a
short-lived prediction cache and pushes autofill suggestions to connected pages.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its page WebSocket endpoint",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	scanCmd = &cobra.Command{
		Use:   "scan FILE",
		Short: "Report the login forms detected in a saved HTML page",
		Args:  cobra.ExactArgs(1),
		RunE:  runScan, // Defined in cmd_scan.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $AUTOFILL_CONFIG or ~/.aleutian/autofill.yaml)")

	scanCmd.Flags().String("url", "", "address the page was saved from (required)")
	scanCmd.Flags().Bool("json", false, "print the report as JSON")
	_ = scanCmd.MarkFlagRequired("url")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
