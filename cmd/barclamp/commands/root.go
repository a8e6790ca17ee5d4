package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "barclamp",
		Short: "Barclamp proposal lifecycle engine",
		Long: `barclamp manages deployment proposals for modular infrastructure components.

A barclamp is a deployable module described by the catalog. Each barclamp owns
named proposals: configuration documents that are created, edited, validated
and committed to the deployment backend. Busy backends leave commits queued;
the queue is drained in the background by "barclamp serve".

Features:
  - CUE schemas and Rego policies declared per barclamp
  - Commit queue with busy-backend parking and periodic drain
  - Active deployment registry with display status resolution
  - Node transition tracking
  - JSON API, Prometheus metrics and Kafka event stream`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newProposalCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newActiveCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}

// out returns the writer command output goes to.
func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
