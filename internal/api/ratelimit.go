package api

import "net/http"

func (h *Handler) handleRateLimitStatus(w http.ResponseWriter, _ *http.Request) {
	if h.rateLimiter == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	status := h.rateLimiter.Status()
	status["enabled"] = true
	writeJSON(w, http.StatusOK, status)
}
