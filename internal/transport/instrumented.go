package transport

import (
	"context"
	"time"

	"github.com/italolelis/skillbridge_offline/internal/telemetry"
)

// InstrumentedClient wraps the transport operations with telemetry.
type InstrumentedClient struct {
	fetcher   Fetcher
	uploader  Uploader
	updates   UpdatesFetcher
	telemetry *telemetry.Telemetry
}

// API is implemented by *Client.
type API interface {
	Fetcher
	Uploader
	UpdatesFetcher
}

// NewInstrumentedClient creates a new instrumented transport client.
func NewInstrumentedClient(api API, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		fetcher:   api,
		uploader:  api,
		updates:   api,
		telemetry: tel,
	}
}

// Fetch opens a resource stream with telemetry. Only the time to first byte
// is measured; the body is consumed by the caller.
func (c *InstrumentedClient) Fetch(ctx context.Context, url string) (*Stream, error) {
	var result *Stream

	err := c.telemetry.InstrumentOperation(ctx, "transport_fetch", "transport", func(ctx context.Context) error {
		var err error

		result, err = c.fetcher.Fetch(ctx, url)

		return err
	})
	if err != nil {
		c.telemetry.RecordSystemError("transport", errorType(err))

		return nil, err
	}

	return result, nil
}

// Upload posts a change with telemetry.
func (c *InstrumentedClient) Upload(ctx context.Context, endpoint string, payload []byte) error {
	return c.telemetry.InstrumentOperation(ctx, "transport_upload", "transport", func(ctx context.Context) error {
		return c.uploader.Upload(ctx, endpoint, payload)
	})
}

// FetchUpdatesSince pulls remote updates with telemetry.
func (c *InstrumentedClient) FetchUpdatesSince(ctx context.Context, since time.Time) (*Updates, error) {
	var result *Updates

	err := c.telemetry.InstrumentOperation(ctx, "transport_fetch_updates", "transport", func(ctx context.Context) error {
		var err error

		result, err = c.updates.FetchUpdatesSince(ctx, since)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func errorType(err error) string {
	switch {
	case IsConflict(err):
		return "conflict"
	case IsTransportError(err):
		return "network"
	default:
		return "cancelled"
	}
}
