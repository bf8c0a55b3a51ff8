package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dss/internal/server/config"
	"dss/internal/server/service"
)

func newGCCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	grace := cfg.OrphanGrace

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Release blobs that no link references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if grace <= 0 {
				return fmt.Errorf("--grace must be > 0")
			}

			opts := service.Options{OrphanGrace: grace}
			return withService(cmd.Context(), cfg, opts, func(svc *service.Service) error {
				released, failed, err := svc.Janitor.RunOnce(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if *jsonOutput {
					return writeJSON(out, map[string]int{"released": released, "failed": failed})
				}
				return writePlain(out, "released %d orphaned blobs (%d failed)\n", released, failed)
			})
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", grace, "only release blobs uploaded longer ago than this")
	return cmd
}
