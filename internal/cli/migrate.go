package cli

import (
	"fmt"

	"github.com/salonhub/klaviyo-bridge/internal/repository"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply event buffer schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch cfg.Database.Driver {
		case "postgres":
			if err := repository.MigratePostgres(cfg.Database.Postgres.ConnString()); err != nil {
				return err
			}
		case "sqlite":
			// opening applies the embedded migrations
			store, err := repository.OpenSQLite(cfg.Database.SQLite.Path)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("database driver %q has no schema", cfg.Database.Driver)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
