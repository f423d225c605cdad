package api

import (
	"net/http"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/backup"
)

func (h *Handler) handleListBackups(w http.ResponseWriter, _ *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backups not enabled")
		return
	}
	infos, err := h.backups.ListBackups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backup listing failed")
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) handleTriggerBackup(w http.ResponseWriter, _ *http.Request, claims *auth.JWTClaims) {
	if h.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backups not enabled")
		return
	}
	if err := requireAdmin(claims); err != nil {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	status := h.backups.TriggerBackup()
	h.logger.Info("backup trigger", "by", claims.Sub, "status", status)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}
