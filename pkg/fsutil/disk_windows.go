//go:build windows

package fsutil

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// AvailableDiskSize returns the bytes available to the caller on the volume
// holding dir.
func AvailableDiskSize(dir string) (uint64, error) {
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	var free uint64
	if err := windows.GetDiskFreeSpaceEx(path, &free, nil, nil); err != nil {
		return 0, fmt.Errorf("failed to query free space of %s: %w", dir, err)
	}
	return free, nil
}
