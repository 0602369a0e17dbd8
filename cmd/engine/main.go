// ============================================================================
// Self-Healing Engine - Main Entry Point
// ============================================================================
//
// File: cmd/engine/main.go
// Purpose: Application entry point and CLI initialization
//
// Responsibilities:
//   1. Version Management - Inject build info via ldflags
//   2. Panic Recovery - Catch unexpected panics gracefully
//   3. CLI Setup - Build and configure the Cobra command interface
//
// Usage:
//   ./workflow-engine run                          # Start every service
//   ./workflow-engine run --services worker        # Start one service
//   ./workflow-engine submit -f workflow.json      # Submit a workflow
//   ./workflow-engine status <workflow-id>         # Inspect a workflow
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/kh-bikash/self-healing-engine/internal/cli"
)

// Build-time version injection via ldflags
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
