package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dss/internal/server/config"
	"dss/internal/server/database"
	"dss/internal/server/media"
	"dss/internal/server/service"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:           "dssctl",
		Short:         "Operator tool for the storage service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "database URL (memory:// for the in-process store)")

	cmd.AddCommand(
		newTokenCmd(cfg, &jsonOutput),
		newGCCmd(cfg, &jsonOutput),
		newMigrateCmd(cfg),
	)
	return cmd
}

// withService opens the configured store and runs fn against a service
// graph built on it. Optimization is never needed by operator commands.
func withService(ctx context.Context, cfg *config.Config, opts service.Options, fn func(*service.Service) error) error {
	store, err := database.Open(ctx, cfg.DatabaseURL, cfg.TxAttempts)
	if err != nil {
		return err
	}
	defer store.Close()

	optimizer := media.NewOptimizer(media.OptimizerConfig{Enabled: false}, nil)
	return fn(service.New(store, optimizer, opts))
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func writePlain(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
