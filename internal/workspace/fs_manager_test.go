package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newManager(t *testing.T) (*FSManager, string) {
	t.Helper()
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr, baseDir
}

func TestFSManagerCreateAndOpen(t *testing.T) {
	mgr, baseDir := newManager(t)

	ws, err := mgr.Create(context.Background(), "run-1", "Tests/test.yml[1]")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "run-1", "Tests", "test.yml[1]")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}
	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	opened, err := mgr.Open(context.Background(), "run-1", "Tests/test.yml[1]")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != ws {
		t.Fatalf("Open() workspace = %+v, want %+v", opened, ws)
	}

	if _, err := mgr.Create(context.Background(), "run-1", "Tests/test.yml[1]"); err == nil {
		t.Fatalf("second Create() should fail for an existing job workspace")
	}
	if _, err := mgr.Open(context.Background(), "run-1", "Lint/lint.yml"); err == nil {
		t.Fatalf("Open() of a missing workspace should fail")
	}
}

func TestFSManagerRejectsEscapingIDs(t *testing.T) {
	mgr, _ := newManager(t)

	tests := []struct {
		name  string
		runID string
		jobID string
	}{
		{"empty run", "", "Lint/lint.yml"},
		{"dotdot run", "..", "Lint/lint.yml"},
		{"run with separator", "a/b", "Lint/lint.yml"},
		{"empty job", "run-1", ""},
		{"dotdot job segment", "run-1", "Lint/../../etc"},
		{"empty job segment", "run-1", "Lint//lint.yml"},
		{"backslash", "run-1", `Lint\lint.yml`},
		{"padded", "run-1", " Lint/lint.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mgr.Create(context.Background(), tt.runID, tt.jobID); err == nil {
				t.Fatalf("Create(%q, %q) should fail", tt.runID, tt.jobID)
			}
		})
	}
}

func TestFSManagerCleanup(t *testing.T) {
	mgr, baseDir := newManager(t)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "run-old", "Nightly/build.yml"); err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(ctx, "run-new", "Nightly/build.yml")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldRun := filepath.Join(baseDir, "run-old")
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldRun, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old run) error = %v", err)
	}

	report, err := mgr.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedRuns != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedRuns)
	}
	if _, err := os.Stat(oldRun); !os.IsNotExist(err) {
		t.Fatalf("old run workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}

	if _, err := mgr.Cleanup(ctx, 0); err == nil {
		t.Fatalf("Cleanup(0) should fail")
	}
}

func TestFSManagerCleanupMissingBase(t *testing.T) {
	mgr, _ := newManager(t)
	report, err := mgr.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedRuns != 0 {
		t.Fatalf("Cleanup() deleted = %d, want 0", report.DeletedRuns)
	}
}
