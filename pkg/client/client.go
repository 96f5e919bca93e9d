// Package client is a Go client for the offline content daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/syncer"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error: " + http.StatusText(e.StatusCode)
	}

	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to one daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client for the daemon listening at baseURL.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon url %q: %w", baseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid daemon url %q: scheme must be http or https", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{baseURL: u, httpClient: httpClient}, nil
}

// EnqueueRequest asks the daemon to download a resource.
type EnqueueRequest struct {
	downloader.Resource
	Priority downloader.Priority `json:"priority,omitempty"`
}

// Enqueue adds a download and returns its id.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, "/downloads", nil, req, &resp); err != nil {
		return "", err
	}

	return resp.ID, nil
}

// List returns the downloads in state: "", "active", "queued", "completed"
// or "failed".
func (c *Client) List(ctx context.Context, state string) ([]downloader.Item, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}

	var items []downloader.Item
	if err := c.do(ctx, http.MethodGet, "/downloads", q, nil, &items); err != nil {
		return nil, err
	}

	return items, nil
}

// Get returns one download.
func (c *Client) Get(ctx context.Context, id string) (downloader.Item, error) {
	var it downloader.Item
	err := c.do(ctx, http.MethodGet, "/downloads/"+id, nil, nil, &it)

	return it, err
}

// Pause pauses a download and returns its new state.
func (c *Client) Pause(ctx context.Context, id string) (downloader.Item, error) {
	var it downloader.Item
	err := c.do(ctx, http.MethodPost, "/downloads/"+id+"/pause", nil, nil, &it)

	return it, err
}

// Resume resumes a paused or failed download and returns its new state.
func (c *Client) Resume(ctx context.Context, id string) (downloader.Item, error) {
	var it downloader.Item
	err := c.do(ctx, http.MethodPost, "/downloads/"+id+"/resume", nil, nil, &it)

	return it, err
}

// Cancel cancels a download and discards its data.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/downloads/"+id, nil, nil, nil)
}

// StorageInfo reports local storage usage.
func (c *Client) StorageInfo(ctx context.Context) (downloader.StorageInfo, error) {
	var info downloader.StorageInfo
	err := c.do(ctx, http.MethodGet, "/storage", nil, nil, &info)

	return info, err
}

// Cleanup removes completed downloads older than days and returns how many
// were removed. A negative days uses the daemon's default retention.
func (c *Client) Cleanup(ctx context.Context, days int) (int, error) {
	q := url.Values{}
	if days >= 0 {
		q.Set("days", strconv.Itoa(days))
	}

	var resp struct {
		Removed int `json:"removed"`
	}

	if err := c.do(ctx, http.MethodPost, "/storage/cleanup", q, nil, &resp); err != nil {
		return 0, err
	}

	return resp.Removed, nil
}

// QueueChange records a local change for upload.
func (c *Client) QueueChange(ctx context.Context, t syncer.ChangeType, data json.RawMessage) (syncer.Change, error) {
	req := struct {
		Type syncer.ChangeType `json:"type"`
		Data json.RawMessage   `json:"data,omitempty"`
	}{Type: t, Data: data}

	var ch syncer.Change
	err := c.do(ctx, http.MethodPost, "/sync/changes", nil, req, &ch)

	return ch, err
}

// Changes returns the change records still queued.
func (c *Client) Changes(ctx context.Context) ([]syncer.Change, error) {
	var changes []syncer.Change
	if err := c.do(ctx, http.MethodGet, "/sync/changes", nil, nil, &changes); err != nil {
		return nil, err
	}

	return changes, nil
}

// SyncNow runs a sync pass and waits for its report.
func (c *Client) SyncNow(ctx context.Context) (syncer.Report, error) {
	var report syncer.Report
	err := c.do(ctx, http.MethodPost, "/sync/now", nil, nil, &report)

	return report, err
}

// SyncStatus returns the sync engine status.
func (c *Client) SyncStatus(ctx context.Context) (syncer.Status, error) {
	var status syncer.Status
	err := c.do(ctx, http.MethodGet, "/sync/status", nil, nil, &status)

	return status, err
}

// RetryFailed re-queues failed change records and returns how many.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	var resp struct {
		Requeued int `json:"requeued"`
	}

	if err := c.do(ctx, http.MethodPost, "/sync/retry", nil, nil, &resp); err != nil {
		return 0, err
	}

	return resp.Requeued, nil
}

// ClearSync drops every queued change and the last sync time.
func (c *Client) ClearSync(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/sync", nil, nil, nil)
}

// Online reports the daemon's connectivity flag.
func (c *Client) Online(ctx context.Context) (bool, error) {
	var resp struct {
		Online bool `json:"online"`
	}

	err := c.do(ctx, http.MethodGet, "/connectivity", nil, nil, &resp)
	if err != nil {
		return false, err
	}

	return resp.Online, nil
}

// SetOnline pushes a connectivity signal and reports whether it changed the
// daemon's state.
func (c *Client) SetOnline(ctx context.Context, online bool) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}

	req := struct {
		Online bool `json:"online"`
	}{Online: online}

	if err := c.do(ctx, http.MethodPut, "/connectivity", nil, req, &resp); err != nil {
		return false, err
	}

	return resp.Changed, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path

	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// do sends body as JSON and decodes a 2xx answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var reader io.Reader

	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}

		var payload struct {
			Error string `json:"error"`
		}

		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload) == nil {
			apiErr.Message = payload.Error
		}

		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
