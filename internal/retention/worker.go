// Package retention keeps the store's unbounded structures bounded: the
// changelog is trimmed once every peer has acknowledged past an entry,
// buffered changes expire on a wall-clock TTL, and resolved review entries
// are purged after their audit window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/metrics"
	"github.com/caretrack/wardsync/internal/vclock"
)

type Worker struct {
	store    *causal.Store
	metrics  *metrics.Collector
	interval time.Duration
	cfg      config.RetentionConfig
}

func NewWorker(store *causal.Store, collector *metrics.Collector, cfg config.RetentionConfig) *Worker {
	interval := time.Duration(cfg.ScanIntervalSecs) * time.Second
	if interval < time.Minute {
		interval = 5 * time.Minute
	}
	return &Worker{
		store:    store,
		metrics:  collector,
		interval: interval,
		cfg:      cfg,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once at startup
	w.scan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Worker) scan() {
	w.trimChangelog()
	w.evictPending()
	w.purgeReview()
}

// trimChangelog drops entries every known peer has acknowledged, held back
// by the grace window so recently synced changes stay available to ad-hoc
// devices. A node with no peer watermarks never trims: a fresh peer
// bootstraps its history from the changelog.
func (w *Worker) trimChangelog() {
	watermarks, err := w.store.PeerWatermarks()
	if err != nil {
		slog.Error("retention: reading peer watermarks failed", "error", err)
		return
	}
	if len(watermarks) == 0 {
		return
	}

	floor := minWatermark(watermarks)
	var cutoff time.Time
	if w.cfg.ChangelogGraceHours > 0 {
		cutoff = time.Now().Add(-time.Duration(w.cfg.ChangelogGraceHours) * time.Hour)
	}

	trimmed, err := w.store.TrimChangelog(floor, cutoff)
	if err != nil {
		slog.Error("retention: changelog trim failed", "error", err)
		return
	}
	if trimmed > 0 {
		slog.Info("retention trimmed changelog", "entries", trimmed, "peers", len(watermarks))
	}
}

func (w *Worker) evictPending() {
	if w.cfg.PendingTTLSecs <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(w.cfg.PendingTTLSecs) * time.Second)
	evicted, err := w.store.EvictStalePending(cutoff)
	if err != nil {
		slog.Error("retention: pending eviction failed", "error", err)
		return
	}
	if len(evicted) > 0 {
		if w.metrics != nil {
			w.metrics.RecordEvictions(len(evicted))
		}
		slog.Warn("retention evicted stale buffered changes", "count", len(evicted))
	}
}

func (w *Worker) purgeReview() {
	if w.cfg.ResolvedReviewDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.cfg.ResolvedReviewDays)
	purged, err := w.store.PurgeResolvedReview(cutoff)
	if err != nil {
		slog.Error("retention: review purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("retention purged resolved review entries", "count", purged)
	}
}

// minWatermark folds peer watermarks into the per-origin floor: an entry
// is safe to drop only when every peer's watermark covers it. Origins a
// peer has never seen count as zero, which pins those entries.
func minWatermark(watermarks map[string]vclock.VectorClock) vclock.VectorClock {
	origins := make(map[string]bool)
	for _, wm := range watermarks {
		for origin := range wm {
			origins[origin] = true
		}
	}

	floor := vclock.New()
	for origin := range origins {
		lowest := uint64(0)
		first := true
		for _, wm := range watermarks {
			v := wm.Get(origin)
			if first || v < lowest {
				lowest = v
				first = false
			}
		}
		if lowest > 0 {
			floor[origin] = lowest
		}
	}
	return floor
}
