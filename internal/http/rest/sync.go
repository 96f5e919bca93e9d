package rest

import (
	"encoding/json"
	"net/http"

	"github.com/italolelis/skillbridge_offline/internal/syncer"
)

type queueChangeRequest struct {
	Type syncer.ChangeType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

func (h *Handler) queueChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queueChangeRequest
	if err := decode(r, &req); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}

	c, err := h.sync.QueueChange(ctx, req.Type, payload)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, c)
}

func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.sync.Changes())
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.sync.ForceSyncNow(ctx)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, report)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.sync.GetSyncStatus())
}

type retryResponse struct {
	Requeued int `json:"requeued"`
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := h.sync.RetryFailed(ctx)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, retryResponse{Requeued: n})
}

func (h *Handler) clearSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.sync.ClearSyncData(ctx); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
