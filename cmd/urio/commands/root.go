package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	deviceName string
	jsonOutput bool

	// buildVersion is recorded on orchestration sessions.
	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "urio",
		Short: "URIO - Uniform Resource Ingestion & Orchestration engine",
		Long: `URIO converges heterogeneous inputs into one content-addressed,
deduplicated resource store, recording every ingestion run and every
orchestration step as auditable, resumable state.

Features:
  - Content-addressed resource store with device-scoped dedup
  - Path match/rewrite rules with priority tie-break
  - Ingestion sessions with per-entry state tracking
  - Orchestration exec trees with issues and hierarchical logs
  - Lineage graphs of typed edges between resources`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&deviceName, "device", "d", "", "device name (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newIngestCommand())
	rootCmd.AddCommand(newOrchestrateCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newResourcesCommand())
	rootCmd.AddCommand(newLineageCommand())

	return rootCmd
}
