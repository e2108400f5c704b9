package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
state:
  path: ./ledger.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "./ledger.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.Service.Name != "sluice" || cfg.Service.TickInterval != time.Minute {
					t.Errorf("service defaults not applied: %+v", cfg.Service)
				}
				if cfg.Planner.EmptyStages != "satisfied" || cfg.Planner.MaxParallelJobs != 4 {
					t.Errorf("planner defaults not applied: %+v", cfg.Planner)
				}
				if cfg.PipelinePath() != cfg.Dir {
					t.Errorf("PipelinePath() = %q, want config dir %q", cfg.PipelinePath(), cfg.Dir)
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  tick_interval: 30s
  log_level: debug
  log_format: text
state:
  path: /var/lib/sluice/state.db
pipeline:
  path: azure-pipelines.yml
  parameters: ["maximumPythonVersion=3.12"]
planner:
  empty_stages: excluded
  max_parallel_jobs: 8
  job_timeout: 45m
runner:
  entrypoint: /usr/local/bin/ci-agent
  args: ["--verbose"]
  timeout: 1h
  workspace_dir: workspaces
api:
  enabled: true
  listen: 127.0.0.1:9090
  auth:
    api_key: ${SLUICE_TEST_KEY}
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - path: /webhook/github
      format: github
      secret: ${SLUICE_TEST_SECRET}
schedules:
  - name: nightly
    every: daily
    branch: main
    repository: Qiskit/qiskit
    jitter: 5m
`,
			env: map[string]string{"SLUICE_TEST_KEY": "k3y", "SLUICE_TEST_SECRET": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.TickInterval != 30*time.Second || cfg.Service.LogFormat != "text" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Planner.EmptyStages != "excluded" || cfg.Planner.MaxParallelJobs != 8 || cfg.Planner.JobTimeout != 45*time.Minute {
					t.Errorf("planner not parsed: %+v", cfg.Planner)
				}
				if cfg.Runner.Entrypoint != "/usr/local/bin/ci-agent" || len(cfg.Runner.Args) != 1 || cfg.Runner.Timeout != time.Hour {
					t.Errorf("runner not parsed: %+v", cfg.Runner)
				}
				if cfg.API.Auth.APIKey != "k3y" {
					t.Errorf("api_key not interpolated: %q", cfg.API.Auth.APIKey)
				}
				if cfg.Webhooks == nil || cfg.Webhooks.Endpoints[0].Secret != "s3cret" {
					t.Errorf("webhook secret not interpolated: %+v", cfg.Webhooks)
				}
				if len(cfg.Schedules) != 1 || cfg.Schedules[0].Jitter != 5*time.Minute {
					t.Errorf("schedules not parsed: %+v", cfg.Schedules)
				}
				if want := filepath.Join(cfg.Dir, "workspaces"); cfg.WorkspacePath() != want || cfg.Runner.WorkspaceRetention != 72*time.Hour {
					t.Errorf("workspace = %q retention %v, want %q and 72h", cfg.WorkspacePath(), cfg.Runner.WorkspaceRetention, want)
				}
				if want := filepath.Join(cfg.Dir, "azure-pipelines.yml"); cfg.PipelinePath() != want {
					t.Errorf("PipelinePath() = %q, want %q", cfg.PipelinePath(), want)
				}
			},
		},
		{
			name: "unresolved api key",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${SLUICE_TEST_MISSING}
`,
			wantErr: "SLUICE_TEST_MISSING",
		},
		{
			name: "negative workspace retention",
			yaml: `
runner:
  entrypoint: agent
  workspace_dir: /tmp/ws
  workspace_retention: -1h
`,
			wantErr: "workspace_retention",
		},
		{
			name: "api without credentials",
			yaml: `
api:
  enabled: true
`,
			wantErr: "api_key or tokens",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "bad empty stage policy",
			yaml:    "planner:\n  empty_stages: sometimes\n",
			wantErr: "planner.empty_stages",
		},
		{
			name:    "bad parameter override",
			yaml:    "pipeline:\n  parameters: [nightly]\n",
			wantErr: "pipeline.parameters[0]",
		},
		{
			name: "webhook without secret",
			yaml: `
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - path: /hook
`,
			wantErr: "secret is required",
		},
		{
			name: "webhook bad format",
			yaml: `
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - path: /hook
      secret: x
      format: gitlab
`,
			wantErr: "format",
		},
		{
			name: "duplicate schedule",
			yaml: `
schedules:
  - {name: nightly, every: daily, branch: main, repository: a/b}
  - {name: nightly, every: hourly, branch: main, repository: a/b}
`,
			wantErr: "duplicate schedule",
		},
		{
			name:    "bad schedule interval",
			yaml:    "schedules:\n  - {name: n, every: fortnightly, branch: main, repository: a/b}\n",
			wantErr: "invalid schedule interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "state:\n  path: ./s.db\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want %q", cfg.Dir, dir)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() of a directory without config.yaml should fail")
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
include: [webhooks.yaml, schedules.yaml]
state:
  path: ./s.db
schedules:
  - {name: nightly, every: daily, branch: main, repository: Qiskit/qiskit}
`)
	writeConfig(t, dir, "webhooks.yaml", `
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - {path: /hook, secret: abc}
`)
	writeConfig(t, dir, "schedules.yaml", `
planner:
  max_parallel_jobs: 2
schedules:
  - {name: stable, every: weekly, branch: stable/1.4, repository: Qiskit/qiskit}
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Webhooks == nil || len(cfg.Webhooks.Endpoints) != 1 {
		t.Fatalf("webhooks not merged: %+v", cfg.Webhooks)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("schedules = %d, want 2", len(cfg.Schedules))
	}
	if cfg.Planner.MaxParallelJobs != 2 {
		t.Errorf("max_parallel_jobs = %d, want 2", cfg.Planner.MaxParallelJobs)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "include: [a.yaml]\n")
	writeConfig(t, dir, "a.yaml", "include: [config.yaml]\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "include cycle") {
		t.Fatalf("Load() error = %v, want include cycle", err)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5m", want: 5 * time.Minute},
		{in: "hourly", want: time.Hour},
		{in: "daily", want: 24 * time.Hour},
		{in: "weekly", want: 7 * 24 * time.Hour},
		{in: "0s", wantErr: true},
		{in: "monthly", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseInterval(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
