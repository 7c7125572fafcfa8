// ============================================================================
// Beaver-Relay - Main Entry Point
// ============================================================================
//
// File: cmd/relay/main.go
// Purpose: application entry point and CLI initialization. Adapted from the
// teacher's cmd/queue/main.go: build-time version injection, panic
// recovery, and a thin call into internal/cli.BuildCLI().
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/beaverhq/relay/internal/cli"
	"github.com/beaverhq/relay/internal/relayerr"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(relayerr.ExitCode(err))
	}
}
