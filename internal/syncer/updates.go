package syncer

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/transport"
)

// Local key prefixes of records pulled from the server.
const (
	resourcePrefix = "resource_"
	bookmarkPrefix = "bookmark_"
	progressPrefix = "progress_"
)

// ResourceKey returns the key of a resource record in the resources partition.
func ResourceKey(id string) string { return resourcePrefix + id }

// BookmarkKey returns the key of the bookmark on a resource.
func BookmarkKey(resourceID string) string { return bookmarkPrefix + resourceID }

// ProgressKey returns the key of the progress record of a resource.
func ProgressKey(resourceID string) string { return progressPrefix + resourceID }

// applyUpdates stores remote updates, server version authoritative, and
// emits one *Updated event per non-empty section.
func (e *Engine) applyUpdates(ctx context.Context, u *transport.Updates, report *Report) error {
	if u.Empty() {
		return nil
	}

	n, err := e.upsertAll(ctx, e.store.Resources, storage.PartitionResources, u.Resources, "id", ResourceKey)
	if err != nil {
		return err
	}

	report.ResourcesUpdated = n
	e.publishCount(eventbus.ResourcesUpdated, n)

	n, err = e.applyBookmarks(ctx, u.Bookmarks)
	if err != nil {
		return err
	}

	report.BookmarksUpdated = n
	e.publishCount(eventbus.BookmarksUpdated, n)

	n, err = e.upsertAll(ctx, e.store.Progress, storage.PartitionProgress, u.Progress, "resourceId", ProgressKey)
	if err != nil {
		return err
	}

	report.ProgressUpdated = n
	e.publishCount(eventbus.ProgressUpdated, n)

	return nil
}

func (e *Engine) upsertAll(ctx context.Context, kv storage.KV, partition string, records []json.RawMessage, idField string, key func(string) string) (int, error) {
	applied := 0

	for _, raw := range records {
		id := gjson.GetBytes(raw, idField).String()
		if id == "" {
			e.logger.WarnContext(ctx, "skipping remote record without id", "partition", partition, "field", idField)

			continue
		}

		k := key(id)
		if err := kv.Set(ctx, k, raw); err != nil {
			return applied, storage.Wrap(partition, "set", k, err)
		}

		applied++
	}

	return applied, nil
}

func (e *Engine) applyBookmarks(ctx context.Context, records []json.RawMessage) (int, error) {
	applied := 0

	for _, raw := range records {
		fields := gjson.GetManyBytes(raw, "resourceId", "deleted")

		resourceID := fields[0].String()
		if resourceID == "" {
			e.logger.WarnContext(ctx, "skipping bookmark without resource id")

			continue
		}

		k := BookmarkKey(resourceID)

		if fields[1].Bool() {
			if err := e.store.Bookmarks.Delete(ctx, k); err != nil {
				return applied, storage.Wrap(storage.PartitionBookmarks, "delete", k, err)
			}
		} else if err := e.store.Bookmarks.Set(ctx, k, raw); err != nil {
			return applied, storage.Wrap(storage.PartitionBookmarks, "set", k, err)
		}

		applied++
	}

	return applied, nil
}

func (e *Engine) publishCount(kind eventbus.Kind, n int) {
	if n > 0 && e.bus != nil {
		e.bus.Publish(kind, eventbus.Count{Count: n})
	}
}
