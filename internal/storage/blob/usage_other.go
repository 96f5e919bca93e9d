//go:build !linux && !darwin

package blob

import (
	"context"

	"github.com/italolelis/skillbridge_offline/internal/storage"
)

func (f *FS) Usage(_ context.Context) (storage.Usage, error) {
	return storage.Usage{}, storage.ErrUsageUnavailable
}
