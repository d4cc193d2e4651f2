package main

import (
	"github.com/spf13/cobra"

	"tickd/internal/app"
)

const defaultConfigPath = "./tickd.json"

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "tickd",
		Short:         "Tick coordinator, batch dispatcher and worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", defaultConfigPath, "Configuration file path (json, yaml or toml)")

	rootCmd.AddCommand(
		newProcessCommand(ctx, "run", "Run the coordinator and the workers in one process"),
		newProcessCommand(ctx, "coordinator", "Run the coordinator and its trigger", app.RoleCoordinator),
		newProcessCommand(ctx, "worker", "Run the batch workers", app.RoleWorker),
		newSendCommand(ctx),
		newBatchCommand(ctx),
	)
	return rootCmd
}
