package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sluice/internal/planner"
)

// defaultWorkspaceRetention applies when runner.workspace_dir is set without
// a retention.
const defaultWorkspaceRetention = 72 * time.Hour

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml when configPath
// is a directory. Included files are merged, defaults applied and the result
// validated.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	visited := map[string]bool{absPath: true}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	cfg.Dir = filepath.Dir(absPath)
	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// PipelinePath returns the pipeline location resolved against the config
// directory.
func (c *Config) PipelinePath() string {
	if c.Pipeline.Path == "" {
		return c.Dir
	}
	if filepath.IsAbs(c.Pipeline.Path) || c.Dir == "" {
		return c.Pipeline.Path
	}
	return filepath.Join(c.Dir, c.Pipeline.Path)
}

// WorkspacePath returns runner.workspace_dir resolved against the config
// directory, or "" when workspaces are disabled.
func (c *Config) WorkspacePath() string {
	ws := c.Runner.WorkspaceDir
	if ws == "" || filepath.IsAbs(ws) || c.Dir == "" {
		return ws
	}
	return filepath.Join(c.Dir, ws)
}

func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for _, inc := range includes {
		path := inc
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if visited[path] {
			return fmt.Errorf("include cycle detected at %s", path)
		}
		visited[path] = true

		sub, err := loadConfigFile(path)
		if err != nil {
			return fmt.Errorf("include %q: %w", inc, err)
		}
		if err := loadIncludes(sub, sub.Include, filepath.Dir(path), visited); err != nil {
			return err
		}
		mergeConfig(cfg, sub)
	}
	return nil
}

// loadConfigFile parses one file with environment variables interpolated.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Non-zero scalars in src win; webhook
// endpoints, schedules and pipeline parameters are appended.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.TickInterval != 0 {
		dst.Service.TickInterval = src.Service.TickInterval
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.ShutdownTimeout != 0 {
		dst.Service.ShutdownTimeout = src.Service.ShutdownTimeout
	}
	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.Pipeline.Path != "" {
		dst.Pipeline.Path = src.Pipeline.Path
	}
	dst.Pipeline.Parameters = append(dst.Pipeline.Parameters, src.Pipeline.Parameters...)

	if src.Planner.EmptyStages != "" {
		dst.Planner.EmptyStages = src.Planner.EmptyStages
	}
	if src.Planner.MaxParallelJobs != 0 {
		dst.Planner.MaxParallelJobs = src.Planner.MaxParallelJobs
	}
	if src.Planner.JobTimeout != 0 {
		dst.Planner.JobTimeout = src.Planner.JobTimeout
	}
	if src.Planner.EventBuffer != 0 {
		dst.Planner.EventBuffer = src.Planner.EventBuffer
	}

	if src.Runner.Entrypoint != "" {
		dst.Runner = src.Runner
	}

	if src.API.Enabled || src.API.Listen != "" {
		dst.API.Enabled = dst.API.Enabled || src.API.Enabled
		if src.API.Listen != "" {
			dst.API.Listen = src.API.Listen
		}
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		if src.Webhooks.Listen != "" {
			dst.Webhooks.Listen = src.Webhooks.Listen
		}
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}
	dst.Schedules = append(dst.Schedules, src.Schedules...)
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Runner.WorkspaceDir != "" && cfg.Runner.WorkspaceRetention == 0 {
		cfg.Runner.WorkspaceRetention = defaultWorkspaceRetention
	}
	if cfg.Planner.EmptyStages == "" {
		cfg.Planner.EmptyStages = defaults.Planner.EmptyStages
	}
	if cfg.Planner.MaxParallelJobs == 0 {
		cfg.Planner.MaxParallelJobs = defaults.Planner.MaxParallelJobs
	}
	if cfg.Planner.EventBuffer == 0 {
		cfg.Planner.EventBuffer = defaults.Planner.EventBuffer
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with its environment value. Undefined
// variables are left in place and rejected by validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// requireResolved rejects values that still hold a ${VAR} placeholder.
func requireResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if _, err := planner.ParseEmptyStagePolicy(cfg.Planner.EmptyStages); err != nil {
		return fmt.Errorf("planner.empty_stages: %w", err)
	}
	if cfg.Runner.WorkspaceRetention < 0 {
		return fmt.Errorf("runner.workspace_retention must not be negative")
	}
	if cfg.Planner.MaxParallelJobs < 0 {
		return fmt.Errorf("planner.max_parallel_jobs must not be negative")
	}
	for i, p := range cfg.Pipeline.Parameters {
		if !strings.Contains(p, "=") {
			return fmt.Errorf("pipeline.parameters[%d]: want name=value, got %q", i, p)
		}
	}

	if cfg.API.Enabled {
		if err := requireResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := requireResolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}

	if cfg.Webhooks != nil {
		if err := validateWebhooks(cfg.Webhooks); err != nil {
			return err
		}
	}
	return validateSchedules(cfg.Schedules)
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	seen := make(map[string]bool)
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := requireResolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		switch ep.Format {
		case "", "descriptor", "github":
		default:
			return fmt.Errorf("%s.format must be descriptor or github (got %q)", field, ep.Format)
		}
	}
	return nil
}

func validateSchedules(schedules []ScheduleConfig) error {
	seen := make(map[string]bool)
	for i, s := range schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if s.Name == "" {
			return fmt.Errorf("%s.name is required", field)
		}
		if seen[s.Name] {
			return fmt.Errorf("%s: duplicate schedule name %q", field, s.Name)
		}
		seen[s.Name] = true
		if s.Every == "" {
			return fmt.Errorf("schedule %q: every is required", s.Name)
		}
		if _, err := ParseInterval(s.Every); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		if s.Branch == "" {
			return fmt.Errorf("schedule %q: branch is required", s.Name)
		}
		if s.Repository == "" {
			return fmt.Errorf("schedule %q: repository is required", s.Name)
		}
		if s.Jitter < 0 {
			return fmt.Errorf("schedule %q: jitter must not be negative", s.Name)
		}
	}
	return nil
}

// ParseInterval converts schedule intervals to durations. It accepts Go
// durations plus hourly, daily and weekly.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}
