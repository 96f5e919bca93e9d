package syncer

import (
	"context"
	"encoding/json"

	"github.com/italolelis/skillbridge_offline/internal/transport"
)

// Handler uploads the payload of one change record.
type Handler func(ctx context.Context, payload json.RawMessage) error

// DefaultEndpoints maps the built-in change types to their upload endpoints.
var DefaultEndpoints = map[ChangeType]string{
	ChangeBookmark:        "/api/bookmarks",
	ChangeProgress:        "/api/progress",
	ChangeRating:          "/api/ratings",
	ChangeDownloadHistory: "/api/download-history",
}

// UploadTo returns a handler posting the payload to endpoint.
func UploadTo(up transport.Uploader, endpoint string) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		return up.Upload(ctx, endpoint, payload)
	}
}

func defaultHandlers(up transport.Uploader) map[ChangeType]Handler {
	handlers := make(map[ChangeType]Handler, len(DefaultEndpoints))

	for t, endpoint := range DefaultEndpoints {
		handlers[t] = UploadTo(up, endpoint)
	}

	return handlers
}
