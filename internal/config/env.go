package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "STAGERD_"

// envOverrides lists the settings that STAGERD_* variables may override.
// Unset variables leave the pointer nil and the file value untouched.
type envOverrides struct {
	LogLevel    *string `env:"LOG_LEVEL"`
	LogFormat   *string `env:"LOG_FORMAT"`
	LockPath    *string `env:"LOCK_PATH"`
	MaxParallel *int    `env:"MAX_PARALLEL"`
	MaxFailures *int    `env:"MAX_FAILURES"`
	Command     *string `env:"COMMAND"`
	HelperPath  *string `env:"HELPER_PATH"`
	TempDir     *string `env:"TEMP_DIR"`
	HistoryPath *string `env:"HISTORY_PATH"`
	APIKey      *string `env:"API_KEY"`
}

func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.Service.LogLevel, o.LogLevel)
	setString(&cfg.Service.LogFormat, o.LogFormat)
	setString(&cfg.Service.LockPath, o.LockPath)
	setString(&cfg.Staging.Command, o.Command)
	setString(&cfg.Supervisor.HelperPath, o.HelperPath)
	setString(&cfg.Supervisor.TempDir, o.TempDir)
	setString(&cfg.History.Path, o.HistoryPath)
	setString(&cfg.API.Auth.APIKey, o.APIKey)
	if o.MaxParallel != nil {
		cfg.Staging.MaxParallel = *o.MaxParallel
	}
	if o.MaxFailures != nil {
		cfg.Staging.MaxFailures = *o.MaxFailures
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
