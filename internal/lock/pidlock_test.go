package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRecordsPID(t *testing.T) {
	t.Parallel()

	path := PathFor(filepath.Join(t.TempDir(), "state.db"))
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := Owner(path)
	if !ok || pid != os.Getpid() {
		t.Fatalf("Owner() = %d, %v, want %d", pid, ok, os.Getpid())
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "sluice.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
	if err := again.Release(); err != nil {
		t.Fatalf("double Release: %v", err)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := Acquire(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
