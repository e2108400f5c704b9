package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/sluice/internal/queue"
	"github.com/mattjoyce/sluice/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

const testPipeline = `
parameters:
  - name: pythonVersions
    type: stringList
    default: ["3.11", "3.12"]

trigger:
  branches:
    include: [main]

pr:
  autoCancel: true
  branches:
    include: [main]

stages:
  - name: Lint
    condition: eq(variables['Build.Reason'], 'PullRequest')
    jobs:
      - template: lint.yml
  - name: Tests
    dependsOn: Lint
    condition: eq(variables['Build.Reason'], 'PullRequest')
    jobs:
      - template: test.yml
        each: pythonVersions
        as: version
        parameters:
          pythonVersion: ${{ version }}
  - name: Nightly
    condition: eq(variables['Build.Reason'], 'Schedule')
    jobs:
      - template: nightly.yml
`

// writeConfigDir lays out config.yaml and pipelines/ci.yaml in a temp
// directory and returns it.
func writeConfigDir(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "service:\n  log_level: error\nstate:\n  path: " + filepath.Join(dir, "state.db") + "\n" + extra
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "pipelines"), 0o755); err != nil {
		t.Fatalf("mkdir pipelines: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pipelines", "ci.yaml"), []byte(testPipeline), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	return dir
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("expected usage on stdout, got %q", stdout)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-03-01T10:00:00Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"sluice 1.2.3", "commit: 0123456789ab", "built_at: 2026-03-01T10:00:00Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "2.0.0-rc.1", "aabbccddeeff001122334455", "2026-02-12T11:30:00-05:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var out versionInfo
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse version JSON: %v\noutput=%s", err, stdout)
	}
	if out.Version != "2.0.0-rc.1" {
		t.Fatalf("version = %q, want %q", out.Version, "2.0.0-rc.1")
	}
	if out.Commit != "aabbccddeeff" {
		t.Fatalf("commit = %q, want %q", out.Commit, "aabbccddeeff")
	}
	if out.BuildTime != "2026-02-12T16:30:00Z" {
		t.Fatalf("build_time = %q, want %q", out.BuildTime, "2026-02-12T16:30:00Z")
	}
}

func TestRunPlanPullRequestJSON(t *testing.T) {
	dir := writeConfigDir(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runPlan([]string{
			"--config", dir,
			"--reason", "PullRequest",
			"--branch", "refs/pull/7/merge",
			"--target", "main",
			"--pr", "7",
			"--repo", "Qiskit/qiskit",
			"--param", "pythonVersions=3.13",
			"--json",
		})
	})
	if code != 0 {
		t.Fatalf("runPlan() code = %d, stderr: %s", code, stderr)
	}

	var plan struct {
		ID     string `json:"id"`
		Stages []struct {
			Name string `json:"name"`
			Jobs []struct {
				Parameters map[string]any `json:"parameters"`
			} `json:"jobs"`
		} `json:"stages"`
	}
	if err := json.Unmarshal([]byte(stdout), &plan); err != nil {
		t.Fatalf("plan output is not JSON: %v\n%s", err, stdout)
	}
	if !strings.HasPrefix(plan.ID, "blake3:") {
		t.Fatalf("plan id = %q", plan.ID)
	}
	if len(plan.Stages) != 2 || plan.Stages[0].Name != "Lint" || plan.Stages[1].Name != "Tests" {
		t.Fatalf("stages = %+v", plan.Stages)
	}
	if len(plan.Stages[1].Jobs) != 1 {
		t.Fatalf("Tests jobs = %d, want 1 after override", len(plan.Stages[1].Jobs))
	}
}

func TestRunPlanTextWithPipelineFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci.yaml")
	if err := os.WriteFile(path, []byte(testPipeline), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runPlan([]string{"--pipeline", path, "--reason", "Schedule", "--branch", "main", "--repo", "r"})
	})
	if code != 0 {
		t.Fatalf("runPlan() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Nightly") || strings.Contains(stdout, "[2]") {
		t.Fatalf("unexpected plan report:\n%s", stdout)
	}
}

func TestRunPlanErrors(t *testing.T) {
	dir := writeConfigDir(t, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runPlan([]string{"--config", dir, "--reason", "Manual", "--branch", "main", "--repo", "r"})
	})
	if code != 1 || !strings.Contains(stderr, "Planning failed") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runPlan([]string{"--config", dir, "--reason", "IndividualCI", "--branch", "refs/heads/feature", "--repo", "r"})
	})
	if code != 0 || !strings.Contains(stderr, "Not triggered") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runPlan([]string{"--config", dir, "--reason", "Schedule", "--branch", "main", "--repo", "r", "--param", "nope=1"})
	})
	if code != 1 || !strings.Contains(stderr, "Planning failed") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}

func TestRunValidate(t *testing.T) {
	dir := writeConfigDir(t, "pipeline:\n  parameters: [\"pythonVersions=3.12\"]\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runValidate([]string{"--config", dir})
	})
	if code != 0 {
		t.Fatalf("runValidate() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"pipeline: 3 stages", "Configuration valid", "no agent configured"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q: %s", want, stdout)
		}
	}

	bad := writeConfigDir(t, "pipeline:\n  parameters: [\"missing=1\"]\n")
	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runValidate([]string{"--config", bad, "--json"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	var report struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("validate --json output: %v\n%s", err, stdout)
	}
	if report.Valid || len(report.Errors) == 0 || report.Errors[0].Category != "parameters" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunShow(t *testing.T) {
	dir := writeConfigDir(t, "")
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	q := queue.New(db)
	if err := q.CreateRun(ctx, queue.CreateRunRequest{
		RunID:        "run-42",
		PlanID:       "blake3:abc",
		Key:          "blake3:key",
		Reason:       "Schedule",
		Repository:   "Qiskit/qiskit",
		SourceBranch: "refs/heads/main",
		Plan:         json.RawMessage(`{}`),
		Stages:       []string{"Nightly"},
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"run", "show", "run-42", "--config", dir})
	})
	if code != 0 {
		t.Fatalf("run show code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "run-42") || !strings.Contains(stdout, "Nightly") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"run", "show", "--config", dir, "--json", "run-42"})
	})
	if code != 0 {
		t.Fatalf("run show --json code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"run-42"`) {
		t.Fatalf("stdout = %q", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"run", "show", "missing", "--config", dir})
	})
	if code != 1 {
		t.Fatalf("missing run code = %d, want 1", code)
	}
}

func TestRunWatchRequiresKey(t *testing.T) {
	t.Setenv("SLUICE_API_KEY", "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWatch(nil)
	})
	if code != 1 || !strings.Contains(stderr, "API key required") {
		t.Fatalf("code = %d, stderr = %q", code, stderr)
	}
}
