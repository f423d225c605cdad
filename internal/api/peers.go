package api

import (
	"errors"
	"net/http"

	"github.com/caretrack/wardsync/internal/engine"
)

// ErrUnknownPeer is returned by the sync trigger when the named peer
// has no configured session.
var ErrUnknownPeer = errors.New("unknown peer")

func (h *Handler) handlePeers(w http.ResponseWriter, _ *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "peer sync not enabled")
		return
	}
	statuses := h.sessions()
	if statuses == nil {
		statuses = []engine.SessionStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handlePeerSync runs one sync round against the named peer and
// reports the outcome. Scheduled rounds keep running either way.
func (h *Handler) handlePeerSync(w http.ResponseWriter, _ *http.Request, name string) {
	if h.syncNow == nil {
		writeError(w, http.StatusServiceUnavailable, "peer sync not enabled")
		return
	}
	if err := h.syncNow(name); err != nil {
		if errors.Is(err, ErrUnknownPeer) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced", "peer": name})
}
