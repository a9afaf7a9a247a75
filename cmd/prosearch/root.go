package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/prosearch/internal/config"
)

// RootCmd builds the prosearch command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "prosearch",
		Short:        "Iterative web and academic research with cited answers",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvConfigPath), "Path to the YAML config file")

	root.AddCommand(
		ServeCmd(),
		AskCmd(),
	)
	return root
}
