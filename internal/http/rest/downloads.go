package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

type enqueueRequest struct {
	downloader.Resource
	Priority string `json:"priority"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	priority, err := downloader.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	id, err := h.downloads.Enqueue(ctx, req.Resource, downloader.Options{Priority: priority})
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, enqueueResponse{ID: id})
}

func (h *Handler) listDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var items []downloader.Item

	switch state := r.URL.Query().Get("state"); state {
	case "", "all":
		items = h.downloads.List()
	case "active":
		items = h.downloads.GetActive()
	case "queued":
		items = h.downloads.GetQueued()
	case "completed":
		items = h.downloads.GetCompleted()
	case "failed":
		items = h.downloads.GetFailed()
	default:
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "unknown state " + strconv.Quote(state)})

		return
	}

	writeJSON(ctx, w, http.StatusOK, items)
}

func (h *Handler) getDownload(w http.ResponseWriter, r *http.Request) {
	it, ok := h.downloads.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, downloader.ErrNotFound)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, it)
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rc, meta, err := h.downloads.OpenFile(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)

		return
	}
	defer rc.Close()

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)

	if meta.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.FileSize, 10))
	}

	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to stream file", "download_id", meta.DownloadID, "err", err)
	}
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Pause)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Resume)
}

// control applies op and answers with the resulting item.
func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := op(ctx, id); err != nil {
		writeError(ctx, w, err)

		return
	}

	it, ok := h.downloads.Get(id)
	if !ok {
		writeError(ctx, w, downloader.ErrNotFound)

		return
	}

	writeJSON(ctx, w, http.StatusOK, it)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.downloads.Cancel(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storageInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.downloads.GetStorageInfo(ctx)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, info)
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	olderThan := downloader.DefaultRetention

	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "days must be a non-negative integer"})

			return
		}

		olderThan = time.Duration(days) * 24 * time.Hour
	}

	removed, err := h.downloads.CleanupOldFiles(ctx, olderThan)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, cleanupResponse{Removed: removed})
}
