package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dss/internal/server/config"
	"dss/internal/server/service"
)

func newTokenCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	cmd.AddCommand(newTokenCreateCmd(cfg, jsonOutput))
	return cmd
}

func newTokenCreateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		namespace   string
		description string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the token for a namespace and print its bearer credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace == "" {
				return fmt.Errorf("--namespace is required")
			}

			return withService(cmd.Context(), cfg, service.Options{}, func(svc *service.Service) error {
				bearer, token, err := svc.Auth.Mint(cmd.Context(), namespace, description)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if *jsonOutput {
					return writeJSON(out, map[string]any{
						"id":        token.ID,
						"namespace": token.Namespace,
						"bearer":    bearer,
					})
				}
				if err := writePlain(out, "created token %s for namespace %q\n", token.ID, token.Namespace); err != nil {
					return err
				}
				return writePlain(out, "bearer: %s\n", bearer)
			})
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace the token owns (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form note stored with the token")
	return cmd
}
