// Package transport is the network boundary of the offline subsystems: it
// fetches resource payloads, uploads queued changes and pulls remote updates.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Stream is an open response body.
type Stream struct {
	Body io.ReadCloser
	// Size is the length announced by the server, -1 when unknown.
	Size        int64
	ContentType string
}

// Fetcher opens a byte stream for a resource URL. Cancelling ctx aborts the
// transfer, including reads from an already returned body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Stream, error)
}

// Uploader posts a JSON payload to an endpoint. A *ConflictError signals that
// the server refused the change because its own version differs.
type Uploader interface {
	Upload(ctx context.Context, endpoint string, payload []byte) error
}

// Updates are the remote changes published since a point in time. Each entry
// is the raw JSON object sent by the server.
type Updates struct {
	Resources []json.RawMessage `json:"resources,omitempty"`
	Bookmarks []json.RawMessage `json:"bookmarks,omitempty"`
	Progress  []json.RawMessage `json:"progress,omitempty"`
}

// Empty reports whether there is nothing to apply.
func (u *Updates) Empty() bool {
	return u == nil || len(u.Resources)+len(u.Bookmarks)+len(u.Progress) == 0
}

// UpdatesFetcher pulls remote updates.
type UpdatesFetcher interface {
	FetchUpdatesSince(ctx context.Context, since time.Time) (*Updates, error)
}
