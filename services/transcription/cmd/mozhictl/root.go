package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWithContext(&commandContext{})
}

func newRootCommandWithContext(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mozhictl",
		Short:         "Manage transcription projects from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (default $MOZHI_CONFIG or config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&ctx.memory, "memory", false, "Keep records in memory instead of the configured database")

	rootCmd.AddCommand(newProjectsCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newDeleteProjectCommand(ctx))
	rootCmd.AddCommand(newCreateUserCommand(ctx))

	return rootCmd
}
