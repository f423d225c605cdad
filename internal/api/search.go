package api

import (
	"net/http"
	"strconv"

	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/search"
)

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search not enabled")
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q required")
		return
	}
	recordType := r.URL.Query().Get("type")
	if recordType != "" && !record.KnownType(recordType) {
		writeError(w, http.StatusBadRequest, "unknown record type")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}

	results := h.index.Search(query, recordType, limit)
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// handleBoard returns records of one type grouped for the ward board
// view, optionally narrowed to a single status column.
func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request, recordType string) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search not enabled")
		return
	}
	if !record.KnownType(recordType) {
		writeError(w, http.StatusBadRequest, "unknown record type")
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !record.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	results := h.index.Board(recordType, status)
	grouped := make(map[string][]search.Result)
	for _, res := range results {
		grouped[res.Status] = append(grouped[res.Status], res)
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (h *Handler) handleAssignee(w http.ResponseWriter, _ *http.Request, assignee string) {
	if h.index == nil {
		writeError(w, http.StatusServiceUnavailable, "search not enabled")
		return
	}
	if assignee == "" {
		writeError(w, http.StatusBadRequest, "assignee id required")
		return
	}
	results := h.index.ByAssignee(assignee)
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}
