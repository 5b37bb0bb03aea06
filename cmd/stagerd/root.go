package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/api"
	"github.com/mattjoyce/stagerd/internal/config"
)

const defaultConfigPath = "config.yaml"

// commandContext carries the persistent flags and the lazily loaded config.
type commandContext struct {
	configFlag string
	apiURLFlag string
	apiKeyFlag string

	cfg *config.Config
}

func (c *commandContext) configPath() string {
	if c.configFlag != "" {
		return c.configFlag
	}
	if p := os.Getenv("STAGERD_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(c.configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

// apiClient builds a client from --api-url/--api-key, falling back to the
// config's api section.
func (c *commandContext) apiClient() (*api.Client, error) {
	url, key := c.apiURLFlag, c.apiKeyFlag
	if key == "" {
		key = os.Getenv("STAGERD_API_KEY")
	}
	if url == "" {
		cfg, err := c.ensureConfig()
		if err != nil {
			return nil, fmt.Errorf("%w (or pass --api-url)", err)
		}
		if !cfg.API.Enabled {
			return nil, fmt.Errorf("api is disabled in %s; enable it or pass --api-url", cfg.SourcePath)
		}
		url = cfg.API.Listen
		if key == "" {
			key = cfg.API.Auth.APIKey
		}
	}
	return api.NewClient(url, key), nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "stagerd",
		Short:         "Bounded staging queue and dispatch daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file or directory (default ./config.yaml or $STAGERD_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&ctx.apiURLFlag, "api-url", "", "Daemon API address (default from config api.listen)")
	rootCmd.PersistentFlags().StringVar(&ctx.apiKeyFlag, "api-key", "", "Daemon API bearer key (or $STAGERD_API_KEY)")

	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
