//go:build !windows

package assetstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func statVolume(path string) (volume, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return volume{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	block := int64(fs.Bsize) //nolint:unconvert // uint32 on darwin
	return volume{
		total: int64(fs.Blocks) * block,
		free:  int64(fs.Bfree) * block,
		avail: int64(fs.Bavail) * block,
	}, nil
}
