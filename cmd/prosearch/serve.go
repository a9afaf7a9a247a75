package main

import (
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/prosearch/internal/app"
)

// ServeCmd runs the HTTP API until interrupted.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the research API and admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), path)
		},
	}
}
