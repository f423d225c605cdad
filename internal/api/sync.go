package api

import (
	"net/http"
	"strconv"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/engine"
	"github.com/caretrack/wardsync/internal/record"
)

// handleRound serves one exchange of the round protocol: apply the
// peer's pushed changes, then answer its pull with gap fills and
// changes past its watermark.
func (h *Handler) handleRound(w http.ResponseWriter, r *http.Request, device *causal.Device) {
	var req engine.RoundRequest
	if err := readJSON(r, &req); err != nil {
		h.metrics.RecordMalformed(1)
		writeError(w, http.StatusBadRequest, "invalid round request")
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node id required")
		return
	}

	resp, err := h.engine.HandleRound(req)
	if err != nil {
		h.logger.Error("round failed", "peer", req.NodeID, "device", device.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "round failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChanges exposes the committed changelog for audit tooling.
func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	changes, err := h.engine.Store().ChangesSince(nil, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "changelog read failed")
		return
	}
	if changes == nil {
		changes = []record.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request, device *causal.Device) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "push not enabled")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "device", device.ID, "error", err)
		return
	}

	h.hub.HandleConn(conn, device.ID, device.Ward)
}
