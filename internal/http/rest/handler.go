// Package rest exposes the download orchestrator, the sync engine and the
// connectivity flag to the UI layer over HTTP, plus a websocket event stream.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/skillbridge_offline/internal/connectivity"
	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/syncer"
	"github.com/italolelis/skillbridge_offline/internal/telemetry"
)

// Downloads is the part of the orchestrator served over HTTP.
type Downloads interface {
	Enqueue(ctx context.Context, res downloader.Resource, opts downloader.Options) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Get(id string) (downloader.Item, bool)
	List() []downloader.Item
	GetActive() []downloader.Item
	GetQueued() []downloader.Item
	GetCompleted() []downloader.Item
	GetFailed() []downloader.Item
	GetStorageInfo(ctx context.Context) (downloader.StorageInfo, error)
	CleanupOldFiles(ctx context.Context, olderThan time.Duration) (int, error)
	OpenFile(ctx context.Context, id string) (io.ReadCloser, downloader.FileMetadata, error)
}

// Sync is the part of the sync engine served over HTTP.
type Sync interface {
	QueueChange(ctx context.Context, t syncer.ChangeType, payload any) (syncer.Change, error)
	ForceSyncNow(ctx context.Context) (syncer.Report, error)
	GetSyncStatus() syncer.Status
	Changes() []syncer.Change
	RetryFailed(ctx context.Context) (int, error)
	ClearSyncData(ctx context.Context) error
}

type Handler struct {
	downloads Downloads
	sync      Sync
	conn      *connectivity.Monitor
	bus       *eventbus.Bus
	telemetry *telemetry.Telemetry
}

// NewHandler creates the API handler.
func NewHandler(downloads Downloads, sync Sync, conn *connectivity.Monitor, bus *eventbus.Bus, t *telemetry.Telemetry) *Handler {
	return &Handler{
		downloads: downloads,
		sync:      sync,
		conn:      conn,
		bus:       bus,
		telemetry: t,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", h.telemetry.Handler())
	r.Get("/events", h.events)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.enqueue)
		r.Get("/", h.listDownloads)
		r.Get("/{id}", h.getDownload)
		r.Get("/{id}/file", h.downloadFile)
		r.Post("/{id}/pause", h.pause)
		r.Post("/{id}/resume", h.resume)
		r.Delete("/{id}", h.cancel)
	})

	r.Get("/storage", h.storageInfo)
	r.Post("/storage/cleanup", h.cleanup)

	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", h.syncStatus)
		r.Get("/changes", h.listChanges)
		r.Post("/changes", h.queueChange)
		r.Post("/now", h.syncNow)
		r.Post("/retry", h.retryFailed)
		r.Delete("/", h.clearSync)
	})

	r.Get("/connectivity", h.getConnectivity)
	r.Put("/connectivity", h.setConnectivity)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var offline *connectivity.OfflineError

	switch {
	case errors.Is(err, downloader.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidResource),
		errors.Is(err, syncer.ErrUnknownChangeType),
		errors.Is(err, syncer.ErrInvalidPayload):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrResourceBusy),
		errors.Is(err, downloader.ErrNotCompleted),
		errors.Is(err, syncer.ErrSyncInProgress):
		status = http.StatusConflict
	case errors.As(err, &offline):
		status = http.StatusServiceUnavailable
	case storage.IsStorageError(err):
		status = http.StatusInsufficientStorage
	}

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "request failed", "status", status, "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))

	return dec.Decode(v)
}
