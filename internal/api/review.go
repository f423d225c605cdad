package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/causal"
)

// Review entries are concurrent edits the merge policy flagged for a
// human decision. Resolving one records who looked at it; the merged
// version already committed and is not rewritten.
func (h *Handler) routeReview(w http.ResponseWriter, r *http.Request, path string, claims *auth.JWTClaims) {
	rest := strings.TrimPrefix(path, "/review")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleListReview(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid review id")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleGetReview(w, id)
		return
	}

	if parts[1] == "resolve" && r.Method == http.MethodPost {
		h.handleResolveReview(w, id, claims)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (h *Handler) handleListReview(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("all") == "true"
	entries, err := h.engine.Store().ListReview(includeResolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "review list failed")
		return
	}
	if entries == nil {
		entries = []causal.ReviewEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGetReview(w http.ResponseWriter, id uint64) {
	entry, err := h.engine.Store().GetReview(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "review read failed")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "review entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleResolveReview(w http.ResponseWriter, id uint64, claims *auth.JWTClaims) {
	entry, err := h.engine.Store().ResolveReview(id, claims.Sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("review resolved", "id", id, "by", claims.Sub,
		"record_type", entry.RecordType, "record_id", entry.RecordID)
	writeJSON(w, http.StatusOK, entry)
}
