package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fsTypeFunc names the filesystem holding path, or returns "" when the
// platform cannot tell.
type fsTypeFunc func(path string) (string, error)

// requireLocalFilesystem refuses ledger paths on network mounts, where
// SQLite locking is unreliable.
func requireLocalFilesystem(path string) error {
	return checkFilesystem(path, filesystemType)
}

func checkFilesystem(path string, detect fsTypeFunc) error {
	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve ledger path %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if fsType != "" {
		return fmt.Errorf("ledger path %q is on network filesystem %s; set state.path to a local disk", path, fsType)
	}
	return nil
}

// existingAncestor returns path or its nearest parent that exists.
func existingAncestor(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent directory")
		}
		candidate = parent
	}
}
