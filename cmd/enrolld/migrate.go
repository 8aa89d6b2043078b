package main

import (
	"errors"

	"github.com/spf13/cobra"

	pgstore "enrolld/internal/enrollment/store/postgres"
	"enrolld/internal/platform/config"
	"enrolld/internal/platform/postgres"
)

func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long:  "Applies pending migrations from POSTGRES_DSN. Run before starting api or worker with STORE_BACKEND=postgres.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			db, err := postgres.Open(cmd.Context(), cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()
			if status {
				return pgstore.MigrationStatus(cmd.Context(), db)
			}
			return pgstore.Migrate(cmd.Context(), db)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of applying")
	return cmd
}
