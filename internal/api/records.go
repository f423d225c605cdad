package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/record"
)

// submitRequest is the staff-facing delta shape. Values in set are
// mapped by JSON type; status gets enum treatment so merge semantics
// apply. Reference fields (assignees, linked records) are edited as
// add/remove id lists.
type submitRequest struct {
	Set        map[string]interface{} `json:"set"`
	SetTimes   map[string]string      `json:"set_times"`
	AddRefs    map[string][]string    `json:"add_refs"`
	RemoveRefs map[string][]string    `json:"remove_refs"`
}

type submitResponse struct {
	Status       causal.Status        `json:"status"`
	Version      record.RecordVersion `json:"version"`
	ReviewFields []string             `json:"review_fields,omitempty"`
	Op           string               `json:"op,omitempty"`
}

type recordResponse struct {
	record.RecordVersion
	Deleted bool `json:"deleted,omitempty"`
}

func (h *Handler) routeRecords(w http.ResponseWriter, r *http.Request, path string, _ *auth.JWTClaims) {
	rest := strings.TrimPrefix(path, "/records")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "record type required")
		return
	}

	parts := strings.SplitN(rest, "/", 3)
	recordType := parts[0]
	if !record.KnownType(recordType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown record type %q", recordType))
		return
	}

	switch len(parts) {
	case 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleListRecords(w, r, recordType)

	case 2:
		id := parts[1]
		switch r.Method {
		case http.MethodGet:
			h.handleGetRecord(w, r, recordType, id)
		case http.MethodPost:
			h.handleSubmit(w, r, recordType, id)
		case http.MethodDelete:
			h.handleDeleteRecord(w, r, recordType, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}

	default:
		if parts[2] == "restore" && r.Method == http.MethodPost {
			h.handleRestoreRecord(w, r, recordType, parts[1])
			return
		}
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request, recordType string) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	versions, err := h.engine.List(recordType, includeDeleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	out := make([]recordResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, recordResponse{RecordVersion: v, Deleted: v.Tombstoned()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, _ *http.Request, recordType, id string) {
	v, ok, err := h.engine.Get(recordType, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{RecordVersion: v, Deleted: v.Tombstoned()})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request, recordType, id string) {
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deltas, err := buildDeltas(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(deltas) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to change")
		return
	}

	_, res, err := h.engine.Submit(recordType, id, deltas)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		Status:       res.Status,
		Version:      res.Version,
		ReviewFields: res.ReviewFields,
		Op:           string(res.Op),
	})
}

func (h *Handler) handleDeleteRecord(w http.ResponseWriter, _ *http.Request, recordType, id string) {
	_, res, err := h.engine.Delete(recordType, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Status: res.Status, Version: res.Version})
}

func (h *Handler) handleRestoreRecord(w http.ResponseWriter, _ *http.Request, recordType, id string) {
	_, res, err := h.engine.Restore(recordType, id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Status: res.Status, Version: res.Version})
}

// buildDeltas maps the request shape onto typed field values.
func buildDeltas(req submitRequest) (map[string]record.FieldValue, error) {
	deltas := make(map[string]record.FieldValue)

	for name, v := range req.Set {
		switch val := v.(type) {
		case string:
			if name == record.StatusField {
				deltas[name] = record.Enum(val)
			} else {
				deltas[name] = record.String(val)
			}
		case float64:
			deltas[name] = record.Number(val)
		case bool:
			deltas[name] = record.Bool(val)
		default:
			return nil, fmt.Errorf("field %s: unsupported value type", name)
		}
	}

	for name, raw := range req.SetTimes {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %v", name, err)
		}
		deltas[name] = record.Time(t)
	}

	// Adds and removes for the same field fold into one delta; a
	// removal of an id wins over its own add.
	refFields := make(map[string]map[string]record.RefEntry)
	for name, ids := range req.AddRefs {
		if refFields[name] == nil {
			refFields[name] = make(map[string]record.RefEntry)
		}
		for _, id := range ids {
			refFields[name][id] = record.RefEntry{ID: id}
		}
	}
	for name, ids := range req.RemoveRefs {
		if refFields[name] == nil {
			refFields[name] = make(map[string]record.RefEntry)
		}
		for _, id := range ids {
			refFields[name][id] = record.RefEntry{ID: id, Removed: true}
		}
	}
	for name, entries := range refFields {
		if _, dup := deltas[name]; dup {
			return nil, fmt.Errorf("field %s: set and ref edits conflict", name)
		}
		list := make([]record.RefEntry, 0, len(entries))
		for _, e := range entries {
			list = append(list, e)
		}
		deltas[name] = record.FieldValue{Kind: record.KindRefList, Refs: record.SortRefs(list)}
	}

	return deltas, nil
}
