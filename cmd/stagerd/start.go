package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/daemon"
	"github.com/mattjoyce/stagerd/internal/dispatch"
	"github.com/mattjoyce/stagerd/internal/doctor"
	"github.com/mattjoyce/stagerd/internal/log"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the staging daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
			logger := log.WithComponent("main")
			logger.Info("stagerd starting", "version", version, "config", cfg.SourcePath)

			report := doctor.New(cfg).Validate()
			for _, w := range report.Warnings {
				logger.Warn("config warning", "field", w.Field, "message", w.Message)
			}
			if !report.Valid {
				fmt.Fprint(cmd.ErrOrStderr(), doctor.FormatHuman(report))
				return errors.New("configuration invalid")
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(runCtx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Run(runCtx); err != nil {
				if errors.Is(err, dispatch.ErrStoreCorrupt) {
					logger.Error("queue store corrupt; refusing to continue", "error", err)
				}
				return err
			}
			return nil
		},
	}
}
