//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// filesystemType returns the name of a network filesystem, or "" for anything
// else.
func filesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	switch uint32(st.Type) {
	case uint32(unix.NFS_SUPER_MAGIC):
		return "nfs", nil
	case uint32(unix.CIFS_SUPER_MAGIC):
		return "cifs", nil
	case uint32(unix.SMB_SUPER_MAGIC):
		return "smbfs", nil
	case uint32(unix.SMB2_SUPER_MAGIC):
		return "smb2", nil
	}
	return "", nil
}
