// Package commands implements the agentbox CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentbox",
		Short: "agentbox - agent runtime deployment control plane",
		Long: `agentbox provisions and manages isolated compute instances ("boxes")
that host an autonomous agent runtime.

A deployment runs as a resumable workflow: instance creation, fixed
provisioning substeps, best-effort add-on installs, network exposure,
health verification and finalization. Every step persists its status,
so a partially failed deployment can be retried and picks up where it
left off.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agentbox.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
