package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/sluice/internal/dispatch"
	"github.com/mattjoyce/sluice/internal/events"
	"github.com/mattjoyce/sluice/internal/log"
	"github.com/mattjoyce/sluice/internal/planner"
	"github.com/mattjoyce/sluice/internal/queue"
	"github.com/mattjoyce/sluice/internal/router"
	"github.com/mattjoyce/sluice/internal/storage"
	"github.com/mattjoyce/sluice/internal/trigger"
	"github.com/mattjoyce/sluice/internal/webhook"
)

const pipelineYAML = `
parameters:
  - name: pythonVersions
    type: stringList
    default: ["3.11", "3.12"]
  - name: failureIssue
    type: number
    default: 7724

trigger:
  branches:
    include: [main]

pr:
  autoCancel: true
  branches:
    include: [main]

stages:
  - name: Nightly
    condition: and(eq(variables['Build.Reason'], 'Schedule'), eq(variables['Build.SourceBranchName'], 'main'))
    jobs:
      - template: build.yml
      - template: tests.yml
        each: pythonVersions
        as: version
        parameters:
          pythonVersion: ${{ version }}

  - name: Nightly_Failure
    condition: eq(variables['Build.Reason'], 'Schedule')
    dependsOn: Nightly
    result: failed
    notify:
      targetId: ${{ parameters.failureIssue }}
      message: ${{ format('Nightly failed on {0}', variables['Build.SourceVersion']) }}

  - name: Lint
    condition: eq(variables['Build.Reason'], 'PullRequest')
    jobs:
      - template: lint.yml

  - name: Tests
    condition: eq(variables['Build.Reason'], 'PullRequest')
    dependsOn: Lint
    jobs:
      - template: build.yml
`

// agentScript fails every tests.yml job and succeeds the rest.
const agentScript = `#!/bin/bash
input=$(cat)
if [[ "$input" == *'"template":"tests.yml"'* ]]; then
  echo '{"status":"error","error":"tests failed"}'
  exit 0
fi
echo '{"status":"ok"}'
`

type recordingNotifier struct {
	mu    sync.Mutex
	notes []planner.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, note planner.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type harness struct {
	ledger   *queue.Queue
	router   *router.Router
	notifier *recordingNotifier
	hub      *events.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tmpDir := t.TempDir()

	log.Setup("error", "text")

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	agent := filepath.Join(tmpDir, "agent.sh")
	if err := os.WriteFile(agent, []byte(agentScript), 0o755); err != nil {
		t.Fatalf("failed to write agent: %v", err)
	}
	pipeline := filepath.Join(tmpDir, "ci.yaml")
	if err := os.WriteFile(pipeline, []byte(pipelineYAML), 0o644); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}

	h := &harness{
		ledger:   queue.New(db),
		notifier: &recordingNotifier{},
		hub:      events.NewHub(64),
	}
	runner := &dispatch.CommandRunner{Entrypoint: agent, Timeout: 10 * time.Second}
	disp := dispatch.New(h.ledger, runner, h.notifier, h.hub, dispatch.Config{MaxParallelJobs: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disp.Shutdown(ctx)
	})

	h.router, err = router.LoadFromPath(pipeline, disp, router.Options{})
	if err != nil {
		t.Fatalf("failed to load pipeline: %v", err)
	}
	return h
}

func stageStatuses(t *testing.T, run *queue.Run) map[string]planner.StageState {
	t.Helper()
	out := make(map[string]planner.StageState, len(run.Stages))
	for _, s := range run.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func TestScheduledFailureNotifies(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := h.router.Route(ctx, router.Request{Event: trigger.Event{
		Reason:         "Schedule",
		SourceBranch:   "refs/heads/main",
		RepositoryName: "Qiskit/qiskit",
		SourceVersion:  "abc123",
	}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !res.Submitted || res.Handle == nil {
		t.Fatalf("expected submitted plan, got %+v", res)
	}
	if got := res.Plan.JobCount(); got != 3 {
		t.Fatalf("planned jobs = %d, want 3", got)
	}

	status, err := res.Handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status != queue.RunFailed {
		t.Fatalf("run status = %s, want failed", status)
	}

	run, err := h.ledger.GetRun(ctx, res.Handle.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	statuses := stageStatuses(t, run)
	if statuses["Nightly"] != planner.StateFailed {
		t.Fatalf("Nightly = %s, want failed", statuses["Nightly"])
	}
	if statuses["Nightly_Failure"] != planner.StateSucceeded {
		t.Fatalf("Nightly_Failure = %s, want succeeded", statuses["Nightly_Failure"])
	}

	failedJobs := 0
	for _, j := range run.Stages[0].Jobs {
		if j.Status == queue.JobFailed {
			failedJobs++
			if j.LastError == nil || !strings.Contains(*j.LastError, "tests failed") {
				t.Fatalf("job %s last_error = %v", j.ID, j.LastError)
			}
		}
	}
	if failedJobs != 2 {
		t.Fatalf("failed jobs = %d, want 2", failedJobs)
	}

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.notes))
	}
	note := h.notifier.notes[0]
	if note.TargetID != "7724" || note.Message != "Nightly failed on abc123" {
		t.Fatalf("unexpected notification: %+v", note)
	}
}

func TestGitHubPullRequestWebhookRunsPlan(t *testing.T) {
	h := newHarness(t)
	const secret = "s3cret"

	srv := webhook.New(webhook.Config{
		Endpoints: []webhook.EndpointConfig{{Path: "/github", Format: webhook.FormatGitHub, Secret: secret}},
	}, h.router, log.WithComponent("webhook"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	stream, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	body := []byte(`{
  "action": "opened",
  "number": 42,
  "pull_request": {"head": {"sha": "deadbeef"}, "base": {"ref": "main"}},
  "repository": {"full_name": "Qiskit/qiskit"}
}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/github", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(webhook.GitHubEventHeader, "pull_request")
	req.Header.Set(webhook.DefaultSignatureHeader, webhook.Signature(body, secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var tr webhook.TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if tr.RunID == "" || tr.Stages != 2 {
		t.Fatalf("unexpected trigger response: %+v", tr)
	}

	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev := <-stream:
			if ev.Type != events.PlanCompleted {
				continue
			}
			var data struct {
				RunID  string `json:"run_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if data.RunID != tr.RunID {
				continue
			}
			if data.Status != string(queue.RunSucceeded) {
				t.Fatalf("run status = %s, want succeeded", data.Status)
			}
			run, err := h.ledger.GetRun(context.Background(), tr.RunID)
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if run.SourceBranch != "refs/pull/42/merge" || run.SourceVersion != "deadbeef" {
				t.Fatalf("unexpected run: %+v", run)
			}
			statuses := stageStatuses(t, run)
			if statuses["Lint"] != planner.StateSucceeded || statuses["Tests"] != planner.StateSucceeded {
				t.Fatalf("stage statuses = %v", statuses)
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for plan completion")
		}
	}
}
