// Package main provides the Loom CLI: an interactive chat runtime that
// drives the agent loop against a configured model backend.
//
// Start a chat:
//
//	loom chat --config loom.yaml
//
// List stored sessions:
//
//	loom sessions list --config loom.yaml
//
// Configuration can reference environment variables, e.g.
// api_key: ${ANTHROPIC_API_KEY}.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Loom is a provider-agnostic conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "loom.yaml", "path to configuration file")

	root.AddCommand(newChatCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
