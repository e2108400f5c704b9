package config

import "time"

// Config is the complete sluice service configuration.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	State     StateConfig      `yaml:"state"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Planner   PlannerConfig    `yaml:"planner"`
	Runner    RunnerConfig     `yaml:"runner"`
	API       APIConfig        `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig  `yaml:"webhooks,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`

	// Include lists further files, relative to the including file, merged
	// into this one.
	Include []string `yaml:"include,omitempty"`

	// Dir is the directory of the root config file.
	Dir string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StateConfig defines run ledger storage.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig locates the pipeline document.
type PipelineConfig struct {
	// Path is a pipeline file or a directory holding pipelines/*.yaml.
	// Empty means the config directory.
	Path string `yaml:"path"`
	// Parameters are name=value overrides applied to every plan.
	Parameters []string `yaml:"parameters,omitempty"`
}

// PlannerConfig tunes planning and dispatch.
type PlannerConfig struct {
	EmptyStages     string        `yaml:"empty_stages"`
	MaxParallelJobs int           `yaml:"max_parallel_jobs"`
	JobTimeout      time.Duration `yaml:"job_timeout,omitempty"`
	EventBuffer     int           `yaml:"event_buffer,omitempty"`
}

// RunnerConfig names the agent that executes jobs. Without an entrypoint jobs
// are only logged.
type RunnerConfig struct {
	Entrypoint string        `yaml:"entrypoint"`
	Args       []string      `yaml:"args,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`

	// WorkspaceDir roots per-job working directories. Empty runs the agent
	// in the service's own directory.
	WorkspaceDir string `yaml:"workspace_dir,omitempty"`
	// WorkspaceRetention is how long a run's workspaces are kept.
	WorkspaceRetention time.Duration `yaml:"workspace_retention,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a bearer token with every scope.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Format          string `yaml:"format"` // descriptor (default) or github
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// ScheduleConfig fires Schedule events for one branch.
type ScheduleConfig struct {
	Name       string        `yaml:"name"`
	Every      string        `yaml:"every"` // e.g. "30m", "hourly", "daily"
	Branch     string        `yaml:"branch"`
	Repository string        `yaml:"repository"`
	Jitter     time.Duration `yaml:"jitter,omitempty"`
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "sluice",
			TickInterval:    60 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Planner: PlannerConfig{
			EmptyStages:     "satisfied",
			MaxParallelJobs: 4,
			EventBuffer:     256,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
