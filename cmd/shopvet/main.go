package main

import (
	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/shopvet/shopvet/internal/cmd"
	"github.com/shopvet/shopvet/internal/server/handlers"
)

// Version information set via ldflags during build
// Example: go build -ldflags="-X main.version=0.3.0 -X main.commit=abc123 -X main.buildDate=2026-03-02" ./cmd/shopvet
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version info for commands to access
	cmd.SetVersionInfo(version, commit, buildDate)

	// Set version info for HTTP handlers
	handlers.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		// Individual commands may have already logged specific errors
		cmd.ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", err)
	}
}
