package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/olivergale/metis-portal2-sub002/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		dbPath string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file and database",
		Long: `Write a default configuration file and create the SQLite database with
all migrations applied. An existing config file is kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  metis init

  # Use a custom database location
  metis init --db /var/lib/metis/metis.db --config /etc/metis/metis.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			log.Info().Str("config", path).Bool("force", force).Msg("Initializing metis")

			cfg := config.DefaultConfig()
			_, statErr := os.Stat(path)
			switch {
			case statErr == nil && !force:
				loaded, err := config.Load(path)
				if err != nil {
					return err
				}
				cfg = loaded
				fmt.Printf("✓ Using existing config file: %s\n", path)
			default:
				if dbPath != "" {
					cfg.Database.Path = dbPath
				}
				if err := config.Write(path, cfg); err != nil {
					return err
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			a, err := openAppWithConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  metis serve                 # run monitor, diagnostician and API\n")
			fmt.Printf("  metis workorder create ...  # create a draft work order\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path written to a new config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
