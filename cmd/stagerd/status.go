package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/lock"
)

const statusLabelWidth = 12

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and its queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			held, err := lock.Held(cfg.Service.LockPath)
			if err != nil {
				return err
			}
			if !held {
				writeStatusLine(out, "Daemon", paint(styleError, "stopped", colorize), colorize)
				writeStatusLine(out, "Lock", cfg.Service.LockPath, colorize)
				return nil
			}

			running := "running"
			if pid, err := lock.ReadPID(cfg.Service.LockPath); err == nil {
				running = fmt.Sprintf("running (pid %d)", pid)
			}
			writeStatusLine(out, "Daemon", paint(styleOK, running, colorize), colorize)

			if !cfg.API.Enabled && ctx.apiURLFlag == "" {
				writeStatusLine(out, "API", "disabled", colorize)
				return nil
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			reqCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			health, err := client.Health(reqCtx)
			if err != nil {
				writeStatusLine(out, "API", paint(styleError, err.Error(), colorize), colorize)
				return nil
			}
			sum, err := client.Summary(reqCtx)
			if err != nil {
				return err
			}
			writeStatusLine(out, "Uptime", (time.Duration(health.UptimeSeconds) * time.Second).String(), colorize)
			fmt.Fprint(out, renderTable(
				[]string{"Status", "Count"},
				[][]string{
					{"queued", fmt.Sprint(sum.Queued)},
					{"running", fmt.Sprint(sum.Running)},
					{"success", fmt.Sprint(sum.Success)},
					{"failed", fmt.Sprint(sum.Failed)},
				},
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}

func writeStatusLine(w io.Writer, label, value string, colorize bool) {
	fmt.Fprintf(w, "%s %s\n", paint(styleLabel, fmt.Sprintf("%-*s", statusLabelWidth, label+":"), colorize), value)
}
