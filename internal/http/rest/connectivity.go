package rest

import (
	"net/http"

	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

type connectivityState struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed,omitempty"`
}

func (h *Handler) getConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, connectivityState{Online: h.conn.IsOnline()})
}

// setConnectivity receives the platform's network signal.
func (h *Handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Online *bool `json:"online"`
	}

	if err := decode(r, &req); err != nil || req.Online == nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: `body must be {"online": true|false}`})

		return
	}

	changed := h.conn.SetOnline(*req.Online)
	if changed {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "connectivity changed", "online", *req.Online)
	}

	writeJSON(ctx, w, http.StatusOK, connectivityState{Online: *req.Online, Changed: changed})
}
