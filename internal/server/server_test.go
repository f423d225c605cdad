package server

import (
	"io"
	"log/slog"
	"testing"

	"github.com/caretrack/wardsync/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Node.Ward = "icu"
	cfg.Node.DataDir = t.TempDir()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = cfg.Node.DataDir + "/journal.log"
	cfg.Backup.Enabled = true
	cfg.Backup.Dir = cfg.Node.DataDir + "/backups"
	cfg.RateLimit.Enabled = true
	return cfg
}

func TestNewWiresSubsystems(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Enabled = true
	cfg.Sync.Peers = []config.SyncPeer{
		{Name: "ward-b", URL: "http://ward-b:7420", Token: "dev.secret"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.nodeID == "" {
		t.Error("node id not resolved")
	}
	if srv.hub == nil {
		t.Error("push hub not created")
	}
	if srv.rateLimiter == nil {
		t.Error("rate limiter not created")
	}
	if srv.backupSched == nil {
		t.Error("backup scheduler not created")
	}
	if srv.retention == nil {
		t.Error("retention worker not created")
	}
	if srv.journal == nil {
		t.Error("journal not opened")
	}
	if len(srv.sessions) != 1 || srv.sessions["ward-b"] == nil {
		t.Errorf("sessions = %v", srv.sessionOrder)
	}
	if len(srv.subscribers) != 1 {
		t.Errorf("subscribers = %d", len(srv.subscribers))
	}
	if srv.notifyWired {
		t.Error("notify attached with no sinks configured")
	}

	statuses := srv.sessionStatuses()
	if len(statuses) != 1 || statuses[0].Peer != "ward-b" {
		t.Errorf("statuses = %+v", statuses)
	}

	if err := srv.syncPeer("nope"); err == nil {
		t.Error("syncPeer accepted unknown peer")
	}
}

func TestNodeIDPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv1, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	first := srv1.nodeID
	srv1.Close()

	srv2, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	defer srv2.Close()

	if srv2.nodeID != first {
		t.Errorf("node id changed across restart: %q then %q", first, srv2.nodeID)
	}

	cfg2 := testConfig(t)
	cfg2.Node.ID = "hub-0"
	srv3, err := New(cfg2, logger)
	if err != nil {
		t.Fatalf("explicit id New: %v", err)
	}
	defer srv3.Close()
	if srv3.nodeID != "hub-0" {
		t.Errorf("explicit node id ignored: %q", srv3.nodeID)
	}
}
