package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/causal"
)

// deviceView is the listing shape. Token hashes stay server-side.
type deviceView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Ward       string    `json:"ward,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt int64     `json:"last_seen_at,omitempty"`
	Revoked    bool      `json:"revoked,omitempty"`
}

func toDeviceView(d causal.Device) deviceView {
	return deviceView{
		ID:         d.ID,
		Name:       d.Name,
		Ward:       d.Ward,
		CreatedAt:  d.CreatedAt,
		LastSeenAt: d.LastSeenAt,
		Revoked:    d.Revoked,
	}
}

type registerDeviceRequest struct {
	Name string `json:"name"`
	Ward string `json:"ward"`
}

type registerDeviceResponse struct {
	Device deviceView `json:"device"`
	// Token is shown once at registration. Only its hash is kept.
	Token string `json:"token"`
}

func (h *Handler) routeDevices(w http.ResponseWriter, r *http.Request, path string, claims *auth.JWTClaims) {
	rest := strings.TrimPrefix(path, "/devices")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleListDevices(w)
		case http.MethodPost:
			h.handleRegisterDevice(w, r, claims)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 2 {
		if parts[1] == "revoke" && r.Method == http.MethodPost {
			h.handleRevokeDevice(w, id, claims)
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if r.Method == http.MethodDelete {
		h.handleDeleteDevice(w, id, claims)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (h *Handler) handleListDevices(w http.ResponseWriter) {
	devices, err := h.engine.Store().ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device list failed")
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request, claims *auth.JWTClaims) {
	if err := requireAdmin(claims); err != nil {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req registerDeviceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "device name required")
		return
	}

	device, token, err := h.auth.RegisterDevice(req.Name, req.Ward)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "device registration failed")
		return
	}

	h.logger.Info("device registered", "id", device.ID, "name", device.Name, "ward", device.Ward, "by", claims.Sub)
	writeJSON(w, http.StatusCreated, registerDeviceResponse{Device: toDeviceView(device), Token: token})
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, id string, claims *auth.JWTClaims) {
	if err := requireAdmin(claims); err != nil {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	if err := h.engine.Store().RevokeDevice(id); err != nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	h.logger.Info("device revoked", "id", id, "by", claims.Sub)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) handleDeleteDevice(w http.ResponseWriter, id string, claims *auth.JWTClaims) {
	if err := requireAdmin(claims); err != nil {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	if err := h.engine.Store().DeleteDevice(id); err != nil {
		writeError(w, http.StatusInternalServerError, "device delete failed")
		return
	}
	h.logger.Info("device deleted", "id", id, "by", claims.Sub)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
