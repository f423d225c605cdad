// Package backup writes scheduled snapshots of the node database. A
// snapshot is the bootstrap path for new nodes once retention has trimmed
// the changelog, and the recovery path after device loss.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
)

type Scheduler struct {
	store       *causal.Store
	cfg         config.BackupConfig
	lastRunHour int
	running     atomic.Bool
}

func NewScheduler(store *causal.Store, cfg config.BackupConfig) *Scheduler {
	return &Scheduler{
		store:       store,
		cfg:         cfg,
		lastRunHour: -1,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shouldRun() {
				s.runBackup()
			}
		}
	}
}

// shouldRun checks if the backup should run based on cron schedule.
// Simplified cron: only supports "M H * * *" format.
func (s *Scheduler) shouldRun() bool {
	if s.running.Load() {
		return false
	}

	minute, hour, err := config.ParseSchedule(s.cfg.ScheduleCron)
	if err != nil {
		return false
	}

	now := time.Now()
	if now.Hour() == hour && now.Minute() == minute && s.lastRunHour != now.Hour() {
		s.lastRunHour = now.Hour()
		return true
	}
	return false
}

func (s *Scheduler) runBackup() {
	s.running.Store(true)
	defer s.running.Store(false)

	start := time.Now()
	name, err := WriteBackup(s.store, s.cfg.Dir)
	if err != nil {
		slog.Error("backup failed", "error", err)
		return
	}
	slog.Info("backup completed", "file", name, "duration", time.Since(start).Round(time.Millisecond))

	if s.cfg.Keep > 0 {
		pruned, err := Prune(s.cfg.Dir, s.cfg.Keep)
		if err != nil {
			slog.Error("backup prune failed", "error", err)
		} else if pruned > 0 {
			slog.Info("pruned old backups", "count", pruned, "keep", s.cfg.Keep)
		}
	}
}

// TriggerBackup triggers an immediate backup.
func (s *Scheduler) TriggerBackup() string {
	if s.running.Load() {
		return "backup already running"
	}
	go s.runBackup()
	return "backup started"
}

// IsRunning returns whether a backup is currently in progress.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// ListBackups returns backup history, newest first.
func (s *Scheduler) ListBackups() ([]Info, error) {
	return List(s.cfg.Dir)
}

// Latest returns the newest backup file path, or an error when none exist.
func (s *Scheduler) Latest() (string, error) {
	infos, err := List(s.cfg.Dir)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no backups in %s", s.cfg.Dir)
	}
	return infos[0].Path, nil
}
