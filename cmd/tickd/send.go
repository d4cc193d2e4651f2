package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tickd/internal/app"
	"tickd/internal/broker"
	"tickd/internal/config"
)

const sendTimeout = 10 * time.Second

var knownCommands = []string{broker.CommandRunCollector, broker.CommandSweep, broker.CommandShutdown}

func newSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "send <command>",
		Short:     "Publish a control command to the coordinator",
		Long:      "Publish run_collector, sweep or shutdown on the coordinator control channel.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: knownCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !isKnownCommand(name) {
				return fmt.Errorf("unknown command %q (want one of %v)", name, knownCommands)
			}
			return ctx.withClients(func(cfg *config.Config, cl *app.Clients) error {
				if err := app.RequireShared("broker", cfg.Broker.Driver); err != nil {
					return err
				}
				sendCtx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
				defer cancel()
				if err := broker.SendCommand(sendCtx, cl.Broker, name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", name, broker.CommandQueue)
				return nil
			})
		},
	}
}

func isKnownCommand(name string) bool {
	for _, c := range knownCommands {
		if c == name {
			return true
		}
	}
	return false
}
