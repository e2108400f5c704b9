package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/sluice/internal/api"
	"github.com/mattjoyce/sluice/internal/config"
	"github.com/mattjoyce/sluice/internal/dispatch"
	"github.com/mattjoyce/sluice/internal/doctor"
	"github.com/mattjoyce/sluice/internal/events"
	"github.com/mattjoyce/sluice/internal/inspect"
	"github.com/mattjoyce/sluice/internal/lock"
	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
	"github.com/mattjoyce/sluice/internal/router"
	"github.com/mattjoyce/sluice/internal/scheduler"
	"github.com/mattjoyce/sluice/internal/storage"
	"github.com/mattjoyce/sluice/internal/trigger"
	"github.com/mattjoyce/sluice/internal/tui/watch"
	"github.com/mattjoyce/sluice/internal/webhook"
	"github.com/mattjoyce/sluice/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "plan":
		return runPlan(args)
	case "run":
		return runRunNoun(args)
	case "watch":
		return runWatch(args)
	case "validate":
		return runValidate(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`sluice - CI trigger evaluation and stage planning

Usage:
  sluice <command> [flags]

Commands:
  serve             Run the planner service (API, webhooks, schedules)
  plan              Plan an event locally and print the result
  run show <id>     Show a recorded run with its stages and jobs
  watch             Real-time run monitor (TUI)
  validate          Check configuration and pipeline
  version           Show version information
  help              Show this help message

Configuration is read from --config, $SLUICE_CONFIG or ./config.yaml.
`)
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("SLUICE_CONFIG")); p != "" {
		return p
	}
	return "."
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: sluice version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("sluice %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// plannerOptions maps the planner section of cfg to router options.
func plannerOptions(cfg *config.Config) (router.Options, error) {
	policy, err := planner.ParseEmptyStagePolicy(cfg.Planner.EmptyStages)
	if err != nil {
		return router.Options{}, err
	}
	return router.Options{
		Planner:    planner.Options{EmptyStages: policy},
		Parameters: cfg.Pipeline.Parameters,
		Logger:     log.WithComponent("router"),
	}, nil
}

func newJobRunner(cfg *config.Config, ws *workspace.FSManager) dispatch.JobRunner {
	if cfg.Runner.Entrypoint == "" {
		return dispatch.LogRunner{}
	}
	r := &dispatch.CommandRunner{
		Entrypoint: cfg.Runner.Entrypoint,
		Args:       cfg.Runner.Args,
		Timeout:    cfg.Runner.Timeout,
	}
	if ws != nil {
		r.Workspaces = ws
	}
	return r
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("sluice starting", "version", version, "config", *configPath)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened", "path", cfg.State.Path)

	var workspaces *workspace.FSManager
	if dir := cfg.WorkspacePath(); dir != "" {
		workspaces, err = workspace.NewFSManager(dir)
		if err != nil {
			logger.Error("invalid workspace directory", "path", dir, "error", err)
			return 1
		}
		logger.Info("job workspaces enabled", "path", dir, "retention", cfg.Runner.WorkspaceRetention)
	}

	q := queue.New(db)
	hub := events.NewHub(cfg.Planner.EventBuffer)
	disp := dispatch.New(q, newJobRunner(cfg, workspaces), dispatch.LogNotifier{}, hub, dispatch.Config{
		MaxParallelJobs: cfg.Planner.MaxParallelJobs,
		JobTimeout:      cfg.Planner.JobTimeout,
	})

	opts, err := plannerOptions(cfg)
	if err != nil {
		logger.Error("invalid planner configuration", "error", err)
		return 1
	}
	r, err := router.LoadFromPath(cfg.PipelinePath(), disp, opts)
	if err != nil {
		logger.Error("failed to load pipeline", "path", cfg.PipelinePath(), "error", err)
		return 1
	}
	fingerprint := r.Document().Fingerprint
	logger.Info("pipeline loaded", "path", cfg.PipelinePath(), "fingerprint", fingerprint, "stages", len(r.Document().Stages))

	sched := scheduler.New(cfg, r, q, hub, log.WithComponent("scheduler"))
	if workspaces != nil {
		sched.WithWorkspaceCleanup(workspaces, cfg.Runner.WorkspaceRetention)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiConfig := api.FromGlobalConfig(cfg.API)
		apiConfig.PipelineFingerprint = fingerprint
		apiServer := api.New(apiConfig, r, q, disp, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, r, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("sluice running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs still active at shutdown", "error", err)
	}

	logger.Info("sluice stopped")
	return code
}

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	pipelinePath := fs.String("pipeline", "", "Pipeline file or directory (skips the config)")
	reason := fs.String("reason", "IndividualCI", "Build reason: IndividualCI, PullRequest or Schedule")
	branch := fs.String("branch", "", "Source branch (e.g. refs/heads/main or main)")
	repo := fs.String("repo", "", "Repository name (owner/name)")
	sourceVersion := fs.String("commit", "", "Source version")
	prNumber := fs.Int("pr", 0, "Pull request number")
	target := fs.String("target", "", "Pull request target branch")
	jsonOut := fs.Bool("json", false, "Output the plan as JSON")
	var params stringList
	fs.Var(&params, "param", "Parameter override name=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var (
		opts router.Options
		path = *pipelinePath
	)
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
		if opts, err = plannerOptions(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid planner configuration: %v\n", err)
			return 1
		}
		path = cfg.PipelinePath()
	}

	r, err := router.LoadFromPath(path, nil, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		return 1
	}

	plan, err := r.Plan(context.Background(), router.Request{
		Event: trigger.Event{
			Reason:            *reason,
			SourceBranch:      *branch,
			RepositoryName:    *repo,
			SourceVersion:     *sourceVersion,
			PullRequestNumber: *prNumber,
			TargetBranch:      *target,
		},
		Parameters: params,
	})
	if errors.Is(err, router.ErrNotTriggered) {
		fmt.Fprintf(os.Stderr, "Not triggered: %v\n", err)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Planning failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.JSON(plan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(inspect.PlanReport(plan))
	return 0
}

func runRunNoun(args []string) int {
	if len(args) == 0 || args[0] == "help" {
		fmt.Println("Usage: sluice run show <run-id> [--config PATH] [--json]")
		return 0
	}
	switch args[0] {
	case "show":
		return runShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown run action: %s\n", args[0])
		return 1
	}
}

func runShow(args []string) int {
	var runID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		runID, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("run show", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the run as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if runID == "" {
		runID = fs.Arg(0)
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sluice run show <run-id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	q := queue.New(db)

	if *jsonOut {
		run, err := q.GetRun(ctx, runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load run: %v\n", err)
			return 1
		}
		out, err := inspect.JSON(run)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}

	out, err := inspect.RunReport(ctx, q, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Sluice API URL")
	apiKey := fs.String("api-key", os.Getenv("SLUICE_API_KEY"), "API bearer token (needs events:ro)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or SLUICE_API_KEY env var.")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(watch.New(ctx, strings.TrimRight(*apiURL, "/"), *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	doc, err := dsl.Load(cfg.PipelinePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline invalid: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, doc).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Printf("config: %s\n", cfg.Dir)
		fmt.Printf("pipeline: %d stages, %s\n", len(doc.Stages), doc.Fingerprint)
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}
