//go:build unix

package local

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace reports free and total bytes of the filesystem holding path.
func (b *LocalBackend) FreeSpace(_ context.Context, path string) (free, total uint64, err error) {
	path, err = b.check(path)
	if err != nil {
		return 0, 0, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Bavail) * bsize, uint64(st.Blocks) * bsize, nil
}
