// glass-server is the backend for the glass issue remediation TUI: it
// imports issues from Sentry, drives Claude-backed analysis and fix
// sessions, and serves the REST/SSE API the TUI consumes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "glass-server",
	Short: "AI-assisted issue remediation server",
	Long: `glass-server orchestrates the issue remediation workflow: it imports
issues from Sentry, runs Claude agent sessions to analyze them and
implement approved fixes in isolated git worktrees, and exposes the
lifecycle over a REST API with live SSE event streams.`,
	// Running the bare binary serves; subcommands exist for everything else
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
