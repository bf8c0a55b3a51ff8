package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dss/internal/server/config"
	"dss/internal/server/database"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.UsesMemoryStore() {
				return fmt.Errorf("the in-memory store has no schema to migrate")
			}
			if err := database.Migrate(cmd.Context(), cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return writePlain(cmd.OutOrStdout(), "migrations applied\n")
		},
	}
}
