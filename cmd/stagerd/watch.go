package main

import (
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/tui/watch"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of the queue and staging events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			return watch.Run(client)
		},
	}
}
