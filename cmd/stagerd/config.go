package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stagerd/internal/config"
	"github.com/mattjoyce/stagerd/internal/doctor"
)

const redactedValue = "********"

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, inspect and lock the configuration file",
	}

	configCmd.AddCommand(newConfigCheckCommand(ctx))
	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigHashCommand(ctx))
	configCmd.AddCommand(newConfigLockCommand(ctx))

	return configCmd
}

func newConfigCheckCommand(ctx *commandContext) *cobra.Command {
	var jsonOut, strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and helper setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, data)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid {
				return errors.New("configuration invalid")
			}
			if strict && len(result.Warnings) > 0 {
				return fmt.Errorf("%d warning(s) in strict mode", len(result.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.API.Auth.APIKey != "" {
				redacted.API.Auth.APIKey = redactedValue
			}
			redacted.Webhooks.Endpoints = append([]config.WebhookEndpointConfig(nil), cfg.Webhooks.Endpoints...)
			for i := range redacted.Webhooks.Endpoints {
				redacted.Webhooks.Endpoints[i].Secret = redactedValue
			}
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.SourcePath, data)
			return nil
		},
	}
}

func newConfigHashCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Print the BLAKE3 hash of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ResolvePath(ctx.configPath())
			if err != nil {
				return err
			}
			hash, err := config.ComputeBlake3Hash(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", hash, path)
			return nil
		},
	}
}

func newConfigLockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record the current configuration hash in .checksums",
		Long: "Once a .checksums file exists next to the configuration, stagerd refuses\n" +
			"to load a configuration whose hash does not match it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := config.LockConfig(ctx.configPath())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %s (%s)\n", ctx.configPath(), shortenCommit(hash))
			return nil
		},
	}
}
