package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "ledger.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"plan_runs", "stage_runs", "job_runs"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}

	// Bootstrapping an existing database is a no-op.
	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("BootstrapSQLite (second run): %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "ledger.db")

	var inspected string
	err := checkFilesystem(dbPath, func(path string) (string, error) {
		inspected = path
		return "", nil
	})
	if err != nil {
		t.Fatalf("local filesystem rejected: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want nearest existing parent %q", inspected, root)
	}

	err = checkFilesystem(dbPath, func(string) (string, error) { return "nfs", nil })
	if err == nil || !strings.Contains(err.Error(), "network filesystem nfs") || !strings.Contains(err.Error(), "state.path") {
		t.Fatalf("network filesystem error = %v", err)
	}

	err = checkFilesystem(dbPath, func(string) (string, error) { return "", errors.New("statfs failed") })
	if err == nil || !strings.Contains(err.Error(), "statfs failed") {
		t.Fatalf("detector error = %v", err)
	}
}

func TestExistingAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	file := filepath.Join(root, "ledger.db")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := existingAncestor(file)
	if err != nil || got != file {
		t.Fatalf("existingAncestor(%q) = %q, %v", file, got, err)
	}
}
