//go:build windows

package worktree

import "golang.org/x/sys/windows"

// freeBytes returns the space available to the caller on the volume holding
// path.
func freeBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(existingAncestor(path))
	if err != nil {
		return 0, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return 0, err
	}
	return avail, nil
}
