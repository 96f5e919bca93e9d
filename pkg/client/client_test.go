package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/syncer"
)

type call struct {
	method string
	path   string
	query  string
	body   string
}

// daemon answers every request with the canned response for its method and
// path and records what it received.
type daemon struct {
	t         *testing.T
	calls     chan call
	responses map[string]response
}

type response struct {
	status int
	body   any
}

func newDaemon(t *testing.T, responses map[string]response) (*daemon, *Client) {
	t.Helper()

	d := &daemon{t: t, calls: make(chan call, 16), responses: responses}

	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)

	return d, c
}

func (d *daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	d.calls <- call{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body)}

	resp, ok := d.responses[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)

		return
	}

	if resp.body == nil {
		w.WriteHeader(resp.status)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_ = json.NewEncoder(w).Encode(resp.body)
}

func (d *daemon) last() call {
	d.t.Helper()

	select {
	case c := <-d.calls:
		return c
	case <-time.After(time.Second):
		d.t.Fatal("no request received")

		return call{}
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", nil)
	require.Error(t, err)

	_, err = New("://", nil)
	require.Error(t, err)

	c, err := New("http://localhost:9091/", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9091/downloads", c.endpoint("/downloads", nil))
}

func TestClient_Enqueue(t *testing.T) {
	d, c := newDaemon(t, map[string]response{
		"POST /downloads": {status: http.StatusAccepted, body: map[string]string{"id": "dl-1"}},
	})

	id, err := c.Enqueue(context.Background(), EnqueueRequest{
		Resource: downloader.Resource{ID: "res-1", URL: "/files/res-1", Size: 10},
		Priority: downloader.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "dl-1", id)

	got := d.last()
	assert.Equal(t, http.MethodPost, got.method)
	assert.JSONEq(t, `{"id":"res-1","url":"/files/res-1","size":10,"metadata":{},"priority":"high"}`, got.body)
}

func TestClient_ListAndGet(t *testing.T) {
	items := []downloader.Item{{ID: "dl-1", ResourceID: "res-1", Status: downloader.StatusQueued}}

	d, c := newDaemon(t, map[string]response{
		"GET /downloads":      {status: http.StatusOK, body: items},
		"GET /downloads/dl-1": {status: http.StatusOK, body: items[0]},
	})

	got, err := c.List(context.Background(), "queued")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dl-1", got[0].ID)
	assert.Equal(t, "state=queued", d.last().query)

	it, err := c.Get(context.Background(), "dl-1")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusQueued, it.Status)
	assert.Equal(t, "/downloads/dl-1", d.last().path)
}

func TestClient_Control(t *testing.T) {
	d, c := newDaemon(t, map[string]response{
		"POST /downloads/dl-1/pause":  {status: http.StatusOK, body: downloader.Item{ID: "dl-1", Status: downloader.StatusPaused}},
		"POST /downloads/dl-1/resume": {status: http.StatusOK, body: downloader.Item{ID: "dl-1", Status: downloader.StatusQueued}},
		"DELETE /downloads/dl-1":      {status: http.StatusNoContent},
	})

	ctx := context.Background()

	it, err := c.Pause(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusPaused, it.Status)
	d.last()

	it, err = c.Resume(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusQueued, it.Status)
	d.last()

	require.NoError(t, c.Cancel(ctx, "dl-1"))
	assert.Equal(t, http.MethodDelete, d.last().method)
}

func TestClient_APIError(t *testing.T) {
	_, c := newDaemon(t, map[string]response{
		"POST /downloads/missing/pause": {status: http.StatusNotFound, body: map[string]string{"error": "download not found"}},
		"POST /sync/now":                {status: http.StatusServiceUnavailable},
	})

	_, err := c.Pause(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "download not found")

	_, err = c.SyncNow(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.False(t, IsStatus(err, http.StatusNotFound))
}

func TestClient_Storage(t *testing.T) {
	d, c := newDaemon(t, map[string]response{
		"GET /storage":          {status: http.StatusOK, body: downloader.StorageInfo{TotalFiles: 2, TotalSize: 42}},
		"POST /storage/cleanup": {status: http.StatusOK, body: map[string]int{"removed": 3}},
	})

	ctx := context.Background()

	info, err := c.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.TotalSize)
	d.last()

	removed, err := c.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, "days=7", d.last().query)

	_, err = c.Cleanup(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, d.last().query)
}

func TestClient_Sync(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	d, c := newDaemon(t, map[string]response{
		"POST /sync/changes": {status: http.StatusAccepted, body: syncer.Change{ID: "c1", Type: syncer.ChangeBookmark, Status: syncer.StatusPending}},
		"GET /sync/changes":  {status: http.StatusOK, body: []syncer.Change{{ID: "c1"}}},
		"GET /sync/status":   {status: http.StatusOK, body: syncer.Status{IsOnline: true, PendingChanges: 1, LastSyncTime: &now}},
		"POST /sync/retry":   {status: http.StatusOK, body: map[string]int{"requeued": 2}},
		"DELETE /sync":       {status: http.StatusNoContent},
	})

	ctx := context.Background()

	ch, err := c.QueueChange(ctx, syncer.ChangeBookmark, json.RawMessage(`{"resourceId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", ch.ID)
	assert.JSONEq(t, `{"type":"bookmark","data":{"resourceId":"r1"}}`, d.last().body)

	changes, err := c.Changes(ctx)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	d.last()

	status, err := c.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsOnline)
	require.NotNil(t, status.LastSyncTime)
	assert.True(t, now.Equal(*status.LastSyncTime))
	d.last()

	n, err := c.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	d.last()

	require.NoError(t, c.ClearSync(ctx))
	assert.Equal(t, http.MethodDelete, d.last().method)
}

func TestClient_Connectivity(t *testing.T) {
	d, c := newDaemon(t, map[string]response{
		"GET /connectivity": {status: http.StatusOK, body: map[string]bool{"online": true}},
		"PUT /connectivity": {status: http.StatusOK, body: map[string]bool{"online": false, "changed": true}},
	})

	ctx := context.Background()

	online, err := c.Online(ctx)
	require.NoError(t, err)
	assert.True(t, online)
	d.last()

	changed, err := c.SetOnline(ctx, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.JSONEq(t, `{"online":false}`, d.last().body)
}

func TestClient_Events(t *testing.T) {
	upgrader := websocket.Upgrader{}
	query := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query <- r.URL.Query().Get("types")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]any{
			"type":      eventbus.DownloadProgress,
			"timestamp": time.Now(),
			"data":      downloader.Item{ID: "dl-1", DownloadedBytes: 5, SizeBytes: 10},
		})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	stream, err := c.Events(context.Background(), eventbus.DownloadProgress, eventbus.DownloadCompleted)
	require.NoError(t, err)

	defer stream.Close()

	assert.Equal(t, "downloadProgress,downloadCompleted", <-query)

	var got []Event
	for ev := range stream.C() {
		got = append(got, ev)
	}

	require.Len(t, got, 1)
	assert.Equal(t, eventbus.DownloadProgress, got[0].Type)

	it, err := got[0].Item()
	require.NoError(t, err)
	assert.Equal(t, int64(5), it.DownloadedBytes)
	assert.NoError(t, stream.Err())
}

func TestClient_EventsContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	stream, err := c.Events(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-stream.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}

	assert.NoError(t, stream.Err())
}
