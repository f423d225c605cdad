// Package server wires the causal store, sync engine, auth, and the
// background workers into one HTTP process serving both the staff API
// and peer replication.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/caretrack/wardsync/internal/api"
	"github.com/caretrack/wardsync/internal/auth"
	"github.com/caretrack/wardsync/internal/backup"
	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/engine"
	"github.com/caretrack/wardsync/internal/journal"
	"github.com/caretrack/wardsync/internal/metrics"
	"github.com/caretrack/wardsync/internal/middleware"
	"github.com/caretrack/wardsync/internal/notify"
	"github.com/caretrack/wardsync/internal/push"
	"github.com/caretrack/wardsync/internal/ratelimit"
	"github.com/caretrack/wardsync/internal/retention"
	"github.com/caretrack/wardsync/internal/search"
)

const maxBodyBytes = 10 << 20

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	nodeID string

	store   *causal.Store
	engine  *engine.Engine
	authn   *auth.Authenticator
	metrics *metrics.Collector
	index   *search.Index

	journal     *journal.Journal
	eventBus    *api.EventBus
	hub         *push.Hub
	notifyDisp  *notify.Dispatcher
	notifyWired bool
	subscribers []*push.Subscriber
	retention   *retention.Worker
	backupSched *backup.Scheduler
	rateLimiter *ratelimit.Limiter

	sessions     map[string]*engine.Session
	sessionOrder []string
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	nodeID, err := resolveNodeID(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve node id: %w", err)
	}

	store, err := causal.NewStore(filepath.Join(cfg.Node.DataDir, "wardsync.db"), causal.Options{
		NodeID:              nodeID,
		MaxPendingPerRecord: cfg.Sync.MaxPendingPerRecord,
		MaxPendingRounds:    cfg.Sync.MaxPendingRounds,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mc := metrics.NewCollector(store)
	eng := engine.New(store, mc, logger, cfg.Sync.BatchSize)
	authn := auth.New(store, cfg.Auth)

	index := search.NewIndex(store)
	if err := index.Build(); err != nil {
		logger.Warn("search index build failed", "error", err)
	}
	index.Attach(store)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		nodeID:   nodeID,
		store:    store,
		engine:   eng,
		authn:    authn,
		metrics:  mc,
		index:    index,
		sessions: make(map[string]*engine.Session),
	}

	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.Journal.Path)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.Attach(store)
		s.journal = j
	}

	s.eventBus = api.NewEventBus()
	s.eventBus.Attach(store)

	s.notifyDisp = notify.NewDispatcher(nodeID, cfg.Notify)
	nc := cfg.Notify
	sinks := len(nc.Webhooks)
	if nc.Kafka.Enabled && len(nc.Kafka.Brokers) > 0 && nc.Kafka.Topic != "" {
		s.notifyDisp.AddBackend(notify.NewKafkaBackend(nc.Kafka.Brokers, nc.Kafka.Topic))
		sinks++
	}
	if nc.NATS.Enabled && nc.NATS.URL != "" {
		natsBackend, err := notify.NewNATSBackend(nc.NATS.URL, nc.NATS.Subject)
		if err != nil {
			logger.Warn("nats backend unavailable", "error", err)
		} else {
			s.notifyDisp.AddBackend(natsBackend)
			sinks++
		}
	}
	if nc.Redis.Enabled && nc.Redis.Addr != "" {
		s.notifyDisp.AddBackend(notify.NewRedisBackend(nc.Redis.Addr, nc.Redis.Password, nc.Redis.DB, nc.Redis.Channel, nc.Redis.ListKey))
		sinks++
	}
	if nc.AMQP.Enabled && nc.AMQP.URL != "" {
		s.notifyDisp.AddBackend(notify.NewAMQPBackend(nc.AMQP.URL, nc.AMQP.Exchange, nc.AMQP.RoutingKey))
		sinks++
	}
	if nc.Postgres.Enabled && nc.Postgres.DSN != "" {
		pgBackend, err := notify.NewPostgresBackend(nc.Postgres.DSN, nc.Postgres.Table)
		if err != nil {
			logger.Warn("postgres backend unavailable", "error", err)
		} else {
			s.notifyDisp.AddBackend(pgBackend)
			sinks++
		}
	}
	// Dispatch costs a marshal per commit, so only hook the store when
	// something is listening.
	if sinks > 0 {
		s.notifyDisp.Attach(store)
		s.notifyWired = true
	}

	if cfg.Push.Enabled {
		s.hub = push.NewHub(cfg.Push.SendBuffer, logger)
		s.hub.Attach(store)
	}

	if cfg.RateLimit.Enabled {
		s.rateLimiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSec, cfg.RateLimit.Burst)
	}
	if cfg.Backup.Enabled {
		s.backupSched = backup.NewScheduler(store, cfg.Backup)
	}
	if cfg.Retention.Enabled {
		s.retention = retention.NewWorker(store, mc, cfg.Retention)
	}

	if cfg.Sync.Enabled {
		for _, peer := range cfg.Sync.Peers {
			sess := engine.NewSession(eng, peer, cfg.Sync, logger)
			s.sessions[peer.Name] = sess
			s.sessionOrder = append(s.sessionOrder, peer.Name)

			if cfg.Push.Enabled {
				sub := push.NewSubscriber(peer.URL, peer.Token, func(push.CommitPayload) {
					sess.Nudge()
				}, logger)
				s.subscribers = append(s.subscribers, sub)
			}
		}
	}

	return s, nil
}

// Run starts the workers and the HTTP listener and blocks until a
// shutdown signal arrives.
func (s *Server) Run() error {
	addr := s.cfg.ListenAddr()

	apiHandler := api.NewHandler(s.engine, s.authn, s.index, s.metrics, s.cfg, s.logger)
	apiHandler.SetEventBus(s.eventBus)
	if s.rateLimiter != nil {
		apiHandler.SetRateLimiter(s.rateLimiter)
	}
	if s.hub != nil {
		apiHandler.SetPushHub(s.hub)
	}
	if s.backupSched != nil {
		apiHandler.SetBackups(s.backupSched)
	}
	if len(s.sessions) > 0 {
		apiHandler.SetSessions(s.sessionStatuses, s.syncPeer)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(s.nodeID, s.metrics.StartTime()))
	mux.HandleFunc("/ready", readyHandler(s.store))
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/api/v1/", apiHandler.ServeAPI)
	mux.HandleFunc("/sync/v1/", apiHandler.ServeSync)

	handler := middleware.PanicRecovery(
		middleware.RequestID(
			middleware.AccessLog(s.logger,
				middleware.MaxBody(maxBodyBytes,
					middleware.SecurityHeaders(
						middleware.Latency(s.metrics, mux))))))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	scheme := "http"
	if s.cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	log.Printf("wardsync node %s starting on %s", s.nodeID, addr)
	log.Printf("  Ward:         %s", s.cfg.Node.Ward)
	log.Printf("  Data dir:     %s", s.cfg.Node.DataDir)
	log.Printf("  Health:       %s://%s/health", scheme, addr)
	if s.cfg.Sync.Enabled {
		log.Printf("  Sync:         %d peers, every %ds", len(s.sessions), s.cfg.Sync.IntervalSecs)
	}
	if s.hub != nil {
		log.Printf("  Push:         enabled")
	}
	if s.notifyWired {
		log.Printf("  Notify:       %d workers, queue %d", s.cfg.Notify.MaxWorkers, s.cfg.Notify.QueueSize)
	}
	if s.backupSched != nil {
		log.Printf("  Backups:      %s (schedule %s, keep %d)", s.cfg.Backup.Dir, s.cfg.Backup.ScheduleCron, s.cfg.Backup.Keep)
	}
	if s.rateLimiter != nil {
		log.Printf("  Rate limit:   %.0f rps, burst %d", s.cfg.RateLimit.RequestsPerSec, s.cfg.RateLimit.Burst)
	}
	if s.cfg.Server.ProxyProtocol {
		log.Printf("  Proxy proto:  enabled")
	}
	if s.cfg.Server.TLS.Enabled {
		switch {
		case s.cfg.Server.TLS.Auto:
			log.Printf("  TLS:          auto (%s)", strings.Join(s.cfg.Server.TLS.Domains, ", "))
		case s.cfg.Server.TLS.SelfSigned:
			log.Printf("  TLS:          self-signed")
		default:
			log.Printf("  TLS:          %s", s.cfg.Server.TLS.CertFile)
		}
	}
	log.Printf("  Search:       %d records indexed", s.index.Count())

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if s.notifyWired {
		s.notifyDisp.Start(workerCtx)
	}
	if s.hub != nil {
		go s.hub.Run(workerCtx)
	}
	if s.retention != nil {
		go s.retention.Run(workerCtx)
	}
	if s.backupSched != nil {
		go s.backupSched.Run(workerCtx)
	}
	for _, sess := range s.sessions {
		go sess.Run(workerCtx)
	}
	for _, sub := range s.subscribers {
		go sub.Run(workerCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- fmt.Errorf("listen: %w", err)
			return
		}
		// The proxy wrapper sits under TLS: the balancer sends the
		// header before the handshake bytes.
		if s.cfg.Server.ProxyProtocol {
			ln = middleware.NewProxyListener(ln)
		}
		if s.cfg.Server.TLS.Enabled {
			tlsCfg, challenge, err := newTLSConfig(s.cfg.Server.TLS)
			if err != nil {
				ln.Close()
				errCh <- fmt.Errorf("tls setup: %w", err)
				return
			}
			if challenge != nil {
				go func() {
					if err := http.ListenAndServe(":80", challenge); err != nil {
						s.logger.Warn("acme challenge listener failed", "error", err)
					}
				}()
			}
			ln = tls.NewListener(ln, tlsCfg)
		}
		errCh <- httpServer.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down gracefully...", sig)
	}

	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown timed out after %v: %v", timeout, err)
		return err
	}

	stopWorkers()
	if s.notifyWired {
		// drains queued deliveries before Close tears down the backends
		s.notifyDisp.Stop()
	}

	log.Println("Server stopped gracefully")
	return nil
}

func (s *Server) sessionStatuses() []engine.SessionStatus {
	out := make([]engine.SessionStatus, 0, len(s.sessionOrder))
	for _, name := range s.sessionOrder {
		out = append(out, s.sessions[name].Status())
	}
	return out
}

func (s *Server) syncPeer(name string) error {
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownPeer, name)
	}
	timeout := time.Duration(s.cfg.Sync.TimeoutSecs+5) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sess.RunOnce(ctx)
}

// resolveNodeID returns the configured node id, or the one minted on
// first start and kept under the data dir. Changing a node's id after
// it has replicated would fork its clock, so the file wins over
// accidental config edits only when the config is empty.
func resolveNodeID(cfg *config.Config) (string, error) {
	if cfg.Node.ID != "" {
		return cfg.Node.ID, nil
	}

	path := filepath.Join(cfg.Node.DataDir, "node-id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := fmt.Sprintf("%s-%s", cfg.Node.Ward, uuid.NewString()[:8])
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.journal != nil {
		s.journal.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}
