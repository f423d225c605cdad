package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/causal"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	// Login shares the sync rate limiter so password guessing is
	// throttled per source address.
	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientIP(r), "") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.auth.LoginStaff(req.Username, req.Password)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordError()
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type meResponse struct {
	User string `json:"user"`
	Role string `json:"role"`
	Node string `json:"node"`
}

func (h *Handler) handleMe(w http.ResponseWriter, _ *http.Request, claims *auth.JWTClaims) {
	writeJSON(w, http.StatusOK, meResponse{
		User: claims.Sub,
		Role: claims.Role,
		Node: h.engine.NodeID(),
	})
}

func (h *Handler) authenticate(r *http.Request) (*auth.JWTClaims, error) {
	// Check Authorization header first
	header := r.Header.Get("Authorization")
	if header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return nil, fmt.Errorf("invalid authorization format")
		}
		return h.auth.ValidateStaff(token)
	}

	// Fall back to query param (for SSE, which cannot set headers)
	if token := r.URL.Query().Get("token"); token != "" {
		return h.auth.ValidateStaff(token)
	}

	return nil, fmt.Errorf("missing authorization")
}

func (h *Handler) authenticateDevice(r *http.Request) (*causal.Device, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return nil, fmt.Errorf("invalid authorization format")
		}
		return h.auth.VerifyDeviceToken(token)
	}

	// Browser websocket clients cannot set headers.
	if token := r.URL.Query().Get("token"); token != "" {
		return h.auth.VerifyDeviceToken(token)
	}

	return nil, fmt.Errorf("missing authorization")
}

func requireAdmin(claims *auth.JWTClaims) error {
	if claims.Role != auth.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return nil
}
