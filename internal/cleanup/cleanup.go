// Package cleanup periodically removes downloads that outlived their
// retention.
package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

// Cleaner removes completed downloads older than a cutoff.
type Cleaner interface {
	CleanupOldFiles(ctx context.Context, olderThan time.Duration) (int, error)
}

// DeleteExpiredFiles runs a single cleanup and logs the outcome.
func DeleteExpiredFiles(ctx context.Context, c Cleaner, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	removed, err := c.CleanupOldFiles(ctx, keepDuration)
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete expired downloads", "err", err)

		return err
	}

	if removed > 0 {
		logger.InfoContext(ctx, "deleted expired downloads", "count", removed, "keep_for", keepDuration)
	}

	return nil
}

// Run calls DeleteExpiredFiles every interval until ctx is done.
func Run(ctx context.Context, c Cleaner, interval, keepDuration time.Duration) error {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "watching for expired downloads",
		"interval", interval,
		"keep_for", keepDuration,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Errors are logged; the next tick tries again.
			_ = DeleteExpiredFiles(ctx, c, keepDuration)
		}
	}
}
