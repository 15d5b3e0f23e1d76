//go:build !windows

package fsutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableDiskSize returns the bytes available to unprivileged users on the
// filesystem holding dir.
func AvailableDiskSize(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
