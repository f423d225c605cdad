// Package api serves the two HTTP surfaces of a node: the staff REST
// API at /api/v1/ (JWT auth, consumed by ward dashboards and the CLI)
// and the replication endpoints at /sync/v1/ (device-token auth,
// consumed by peer nodes).
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/backup"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/engine"
	"github.com/caretrack/wardsync/internal/metrics"
	"github.com/caretrack/wardsync/internal/push"
	"github.com/caretrack/wardsync/internal/ratelimit"
	"github.com/caretrack/wardsync/internal/search"
)

type Handler struct {
	engine  *engine.Engine
	auth    *auth.Authenticator
	index   *search.Index
	metrics *metrics.Collector
	cfg     *config.Config
	logger  *slog.Logger

	eventBus    *EventBus
	rateLimiter *ratelimit.Limiter
	hub         *push.Hub
	backups     *backup.Scheduler
	sessions    func() []engine.SessionStatus
	syncNow     func(name string) error

	upgrader websocket.Upgrader
}

func NewHandler(eng *engine.Engine, authn *auth.Authenticator, index *search.Index, mc *metrics.Collector, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:  eng,
		auth:    authn,
		index:   index,
		metrics: mc,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) SetRateLimiter(rl *ratelimit.Limiter) {
	h.rateLimiter = rl
}

func (h *Handler) SetPushHub(hub *push.Hub) {
	h.hub = hub
}

func (h *Handler) SetBackups(sched *backup.Scheduler) {
	h.backups = sched
}

func (h *Handler) SetEventBus(eb *EventBus) {
	h.eventBus = eb
}

// SetSessions provides the peer session status list and the on-demand
// sync trigger.
func (h *Handler) SetSessions(list func() []engine.SessionStatus, syncNow func(name string) error) {
	h.sessions = list
	h.syncNow = syncNow
}

// ServeAPI handles /api/v1/ routes.
func (h *Handler) ServeAPI(w http.ResponseWriter, r *http.Request) {
	// CORS headers for the ward dashboard SPA
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(r.Method)
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	path = strings.TrimSuffix(path, "/")

	// Login does not require auth
	if path == "/auth/login" && r.Method == http.MethodPost {
		h.handleLogin(w, r)
		return
	}

	// All other routes require a staff JWT
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch {
	case path == "/auth/me" && r.Method == http.MethodGet:
		h.handleMe(w, r, claims)

	case path == "/records" || strings.HasPrefix(path, "/records/"):
		h.routeRecords(w, r, path, claims)

	case path == "/changes" && r.Method == http.MethodGet:
		h.handleChanges(w, r)

	case path == "/search" && r.Method == http.MethodGet:
		h.handleSearch(w, r)

	case strings.HasPrefix(path, "/board/") && r.Method == http.MethodGet:
		h.handleBoard(w, r, strings.TrimPrefix(path, "/board/"))

	case strings.HasPrefix(path, "/assignees/") && r.Method == http.MethodGet:
		h.handleAssignee(w, r, strings.TrimPrefix(path, "/assignees/"))

	case path == "/review" || strings.HasPrefix(path, "/review/"):
		h.routeReview(w, r, path, claims)

	case path == "/peers" && r.Method == http.MethodGet:
		h.handlePeers(w, r)

	case strings.HasPrefix(path, "/peers/") && strings.HasSuffix(path, "/sync") && r.Method == http.MethodPost:
		name := strings.TrimSuffix(strings.TrimPrefix(path, "/peers/"), "/sync")
		h.handlePeerSync(w, r, name)

	case path == "/devices" || strings.HasPrefix(path, "/devices/"):
		h.routeDevices(w, r, path, claims)

	case path == "/stats" && r.Method == http.MethodGet:
		h.handleStats(w, r)

	case path == "/backups" && r.Method == http.MethodGet:
		h.handleListBackups(w, r)

	case path == "/backups" && r.Method == http.MethodPost:
		h.handleTriggerBackup(w, r, claims)

	case path == "/ratelimit" && r.Method == http.MethodGet:
		h.handleRateLimitStatus(w, r)

	case path == "/events" && r.Method == http.MethodGet:
		h.handleEvents(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// ServeSync handles /sync/v1/ routes. Callers are peer nodes holding
// device tokens.
func (h *Handler) ServeSync(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RecordRequest(r.Method)
	}

	path := strings.TrimPrefix(r.URL.Path, "/sync/v1")
	path = strings.TrimSuffix(path, "/")

	device, err := h.authenticateDevice(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientIP(r), device.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	switch {
	case path == "/round" && r.Method == http.MethodPost:
		h.handleRound(w, r, device)

	case path == "/ws" && r.Method == http.MethodGet:
		h.handleWS(w, r, device)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}
