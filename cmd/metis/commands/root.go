package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// ConfigEnv names the environment variable consulted when --config is unset.
const ConfigEnv = "METIS_CONFIG"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metis",
		Short: "Metis - work order lifecycle and autonomic remediation engine",
		Long: `Metis tracks work orders through their lifecycle and watches the fleet of
agents executing them.

Features:
  - Single transition gateway with audit trail
  - Settlement of parent/child hierarchies
  - Tier-1 monitor: stuck, orphan, spiral, mismatch and settlement gap detection
  - Cross-work-order failure correlation
  - Tier-2 diagnostician creating remediation work orders`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $METIS_CONFIG or ./metis.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newSettleCommand())
	rootCmd.AddCommand(newWorkOrderCommand())
	rootCmd.AddCommand(newTriageCommand())
	rootCmd.AddCommand(newLogCommand())

	return rootCmd
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(ConfigEnv); p != "" {
		return p
	}
	return config.DefaultPath
}
