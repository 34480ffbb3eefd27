package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theapp/server/config"
	"github.com/theapp/server/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back the postgres schema",
	Long:      `Runs the embedded schema migrations against DATABASE_URL. The server applies pending migrations on start, so this is mostly useful for rolling back.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.StorageBackend != config.BackendPostgres {
			return fmt.Errorf("migrations only apply to the postgres backend, configured backend is %q", cfg.StorageBackend)
		}
		if err := postgres.Migrate(cfg.DatabaseURL, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
