//go:build windows

package assetstore

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func statVolume(path string) (volume, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return volume{}, fmt.Errorf("volume path %s: %w", path, err)
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return volume{}, fmt.Errorf("disk free space %s: %w", path, err)
	}
	return volume{total: int64(total), free: int64(free), avail: int64(avail)}, nil
}
