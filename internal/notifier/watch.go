package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
	"github.com/italolelis/skillbridge_offline/internal/syncer"
)

// Watch forwards finished and failed downloads and failed sync passes to n
// until ctx is done.
func Watch(ctx context.Context, bus *eventbus.Bus, n Notifier) {
	logger := logctx.LoggerFromContext(ctx).With("component", "notifier")

	sub := bus.Subscribe(eventbus.DefaultBuffer,
		eventbus.DownloadCompleted,
		eventbus.DownloadFailed,
		eventbus.SyncFailed,
	)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}

			content := Message(ev)
			if content == "" {
				continue
			}

			if err := n.Notify(ctx, content); err != nil {
				logger.Error("failed to send notification", "event", ev.Kind, "err", err)
			}
		}
	}
}

// Message renders an event as a chat message, or "" for events that are not
// announced.
func Message(ev eventbus.Event) string {
	switch ev.Kind {
	case eventbus.DownloadCompleted:
		it, ok := ev.Payload.(downloader.Item)
		if !ok {
			return ""
		}

		return fmt.Sprintf("✅ Download finished: %s (%s)", title(it), humanize.Bytes(uint64(max(it.SizeBytes, 0))))

	case eventbus.DownloadFailed:
		it, ok := ev.Payload.(downloader.Item)
		if !ok {
			return ""
		}

		return fmt.Sprintf("❌ Download failed after %d retries: %s: %s", it.RetryCount, title(it), it.Error)

	case eventbus.SyncFailed:
		f, ok := ev.Payload.(syncer.Failure)
		if !ok {
			return ""
		}

		return "⚠️ Sync failed: " + f.Error

	default:
		return ""
	}
}

func title(it downloader.Item) string {
	if it.Metadata.Title != "" {
		return it.Metadata.Title
	}

	return it.ResourceID
}
