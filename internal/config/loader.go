package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, overlays and validates the configuration at configPath.
// A directory is accepted and resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	return LoadWithEnv(configPath, nil)
}

// LoadWithEnv is Load with an explicit environment for the STAGERD_ overlay.
// A nil environ reads the process environment.
func LoadWithEnv(configPath string, environ map[string]string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyChecksum(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath turns configPath into the absolute path of a config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Parse decodes YAML on top of Defaults, so absent keys keep their default
// and explicit zero values (max_failures: 0) are preserved.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// resolveRelativePaths anchors relative file paths at the config directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{
		&cfg.Service.LockPath,
		&cfg.History.Path,
		&cfg.Supervisor.TempDir,
		&cfg.Supervisor.HelperPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be one of: json, text, auto (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Staging.MaxParallel < 1 {
		return fmt.Errorf("staging.max_parallel must be at least 1 (got %d)", cfg.Staging.MaxParallel)
	}
	if cfg.Staging.MaxFailures < 0 {
		return fmt.Errorf("staging.max_failures must not be negative (got %d)", cfg.Staging.MaxFailures)
	}
	if cfg.Staging.Command == "" {
		return fmt.Errorf("staging.command is required")
	}
	if cfg.Staging.Timeout < 0 || cfg.Staging.StopGrace < 0 {
		return fmt.Errorf("staging.timeout and staging.stop_grace must not be negative")
	}

	if cfg.Supervisor.HelperPath == "" {
		return fmt.Errorf("supervisor.helper_path is required")
	}
	if cfg.Supervisor.TempDir == "" {
		return fmt.Errorf("supervisor.temp_dir is required")
	}
	if cfg.Supervisor.PidfileTimeout < 0 || cfg.Supervisor.PollInterval < 0 {
		return fmt.Errorf("supervisor.pidfile_timeout and supervisor.poll_interval must not be negative")
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	seen := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		if ep.Path == "" || ep.Path[0] != '/' {
			return fmt.Errorf("webhooks.endpoints[%d].path must start with / (got %q)", i, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %q", i, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
		}
		if matches := envVarPattern.FindStringSubmatch(ep.Secret); len(matches) > 1 {
			return fmt.Errorf("webhooks.endpoints[%d].secret: environment variable ${%s} is not set", i, matches[1])
		}
		if ep.SignatureHeader == "" {
			return fmt.Errorf("webhooks.endpoints[%d].signature_header is required", i)
		}
	}
	if cfg.Webhooks.Enabled() && cfg.Webhooks.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}

	return nil
}
