//go:build linux || darwin

package blob

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/italolelis/skillbridge_offline/internal/storage"
)

// Usage reports the capacity of the volume holding the store directory.
func (f *FS) Usage(_ context.Context) (storage.Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.dir, &st); err != nil {
		return storage.Usage{}, storage.Wrap(storage.PartitionFiles, "statfs", "", err)
	}

	bsize := uint64(st.Bsize) //nolint:gosec // block size is never negative

	return storage.Usage{
		Total:     st.Blocks * bsize,
		Available: st.Bavail * bsize,
	}, nil
}
