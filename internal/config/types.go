package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete stagerd configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Staging    StagingConfig    `yaml:"staging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	History    HistoryConfig    `yaml:"history"`
	API        APIConfig        `yaml:"api,omitempty"`
	Webhooks   WebhooksConfig   `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core daemon settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	LockPath     string        `yaml:"lock_path"`
}

// StagingConfig defines the worker pool and the staging command.
type StagingConfig struct {
	// MaxParallel bounds the number of helper processes alive at once.
	MaxParallel int `yaml:"max_parallel"`
	// MaxFailures is the failure threshold; 0 retries forever.
	MaxFailures int `yaml:"max_failures"`
	// Command is the template run for every URL. $URLTOSTAGE and $TREENAME
	// are substituted; the URL is appended when $URLTOSTAGE is absent.
	Command     string        `yaml:"command"`
	DefaultTree string        `yaml:"default_tree"`
	Timeout     time.Duration `yaml:"timeout"`
	StopGrace   time.Duration `yaml:"stop_grace"`
	// StopOnExit stops in-flight commands on shutdown instead of leaving them
	// running.
	StopOnExit bool `yaml:"stop_on_exit"`
}

// SupervisorConfig locates the helper wrapper and its scratch files.
type SupervisorConfig struct {
	HelperPath     string        `yaml:"helper_path"`
	TempDir        string        `yaml:"temp_dir"`
	PidfileTimeout time.Duration `yaml:"pidfile_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// HistoryConfig defines the attempt log database.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WebhooksConfig defines the signed intake endpoints through which a catalog
// pushes URLs. No endpoints means no webhook listener.
type WebhooksConfig struct {
	Listen    string                  `yaml:"listen"`
	Endpoints []WebhookEndpointConfig `yaml:"endpoints"`
}

// WebhookEndpointConfig is one intake path and its HMAC secret.
type WebhookEndpointConfig struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts a byte count or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
	// Tree applies to pushed URLs whose request names none.
	Tree string `yaml:"tree,omitempty"`
}

// Enabled reports whether any intake endpoint is configured.
func (w WebhooksConfig) Enabled() bool {
	return len(w.Endpoints) > 0
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "stagerd",
			TickInterval: 5 * time.Second,
			LogLevel:     "info",
			LogFormat:    "json",
			LockPath:     "./data/stagerd.lock",
		},
		Staging: StagingConfig{
			MaxParallel: 4,
			MaxFailures: 5,
			Timeout:     2 * time.Hour,
			StopGrace:   5 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HelperPath:     "/usr/libexec/stagerd/stage-launch",
			TempDir:        filepath.Join(os.TempDir(), "stagerd"),
			PidfileTimeout: 10 * time.Second,
			PollInterval:   time.Millisecond,
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      "./data/history.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8095",
		},
		Webhooks: WebhooksConfig{
			Listen: "127.0.0.1:8096",
		},
	}
}
