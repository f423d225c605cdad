package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/codec"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/vclock"
)

// Session drives rounds against one peer. Gap state carries across rounds
// in both directions: the peer's reported gaps are filled in our next push,
// and our own gaps ride on the next request so the peer can fill them.
type Session struct {
	engine   *Engine
	logger   *slog.Logger
	peer     config.SyncPeer
	interval time.Duration
	batch    int
	client   *http.Client

	nudge chan struct{}

	mu       sync.Mutex
	ownGaps  []RoundGap // holes on our side, reported to the peer next round
	peerGaps []RoundGap // holes the peer reported, filled in our next push
	failures int
	lastTry  time.Time
	lastOK   time.Time
	lastErr  string
}

// SessionStatus is a point-in-time snapshot for the peers endpoint.
type SessionStatus struct {
	Peer          string             `json:"peer"`
	URL           string             `json:"url"`
	LastAttempt   time.Time          `json:"last_attempt,omitempty"`
	LastSuccess   time.Time          `json:"last_success,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	Failures      int                `json:"failures"`
	OpenGaps      int                `json:"open_gaps"`
	PeerWatermark vclock.VectorClock `json:"peer_watermark,omitempty"`
}

// NewSession creates a sync session for one configured peer.
func NewSession(eng *Engine, peer config.SyncPeer, cfg config.SyncConfig, logger *slog.Logger) *Session {
	interval := time.Duration(cfg.IntervalSecs) * time.Second
	if interval < time.Second {
		interval = 15 * time.Second
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		engine:   eng,
		logger:   logger.With("peer", peer.Name),
		peer:     peer,
		interval: interval,
		batch:    batch,
		client:   &http.Client{Timeout: timeout},
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge asks the run loop for an immediate round. Used when the peer
// signals it has new commits, so changes flow before the next scheduled
// interval. Nudges during an in-flight round coalesce.
func (s *Session) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run drives rounds until ctx is cancelled. Failures back off; any success
// resets the cadence to the configured interval.
func (s *Session) Run(ctx context.Context) {
	s.logger.Info("sync session started", "url", s.peer.URL, "interval", s.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync session stopped")
			return
		case <-timer.C:
		case <-s.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay := s.interval
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("sync session stopped")
				return
			}
			s.mu.Lock()
			failures := s.failures
			s.mu.Unlock()
			delay = backoffDelay(failures)
			s.logger.Warn("sync round failed", "error", err, "failures", failures, "retry_in", delay)
		}
		timer.Reset(delay)
	}
}

// RunOnce performs a single round: push what the peer lacks, report our
// gaps, apply what comes back, and remember the new gap state.
func (s *Session) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	s.lastTry = time.Now()
	ownGaps := s.ownGaps
	peerGaps := s.peerGaps
	s.mu.Unlock()

	store := s.engine.Store()

	peerWM, err := store.PeerWatermark(s.peer.Name)
	if err != nil {
		return s.fail(fmt.Errorf("read peer watermark: %w", err))
	}

	// Retransmissions the peer asked for lead the push; fresh changes
	// above its last advertised frontier fill the rest.
	push, seen := s.engine.gapFills(peerGaps, nil)
	fresh, err := store.ChangesSince(peerWM, s.batch)
	if err != nil {
		return s.fail(fmt.Errorf("collect changes: %w", err))
	}
	for _, ch := range fresh {
		if len(push) >= s.batch {
			break
		}
		if key := changeKey(ch); !seen[key] {
			seen[key] = true
			push = append(push, ch)
		}
	}

	envelopes, err := codec.EncodeBatch(push)
	if err != nil {
		return s.fail(fmt.Errorf("encode push set: %w", err))
	}
	wm, err := store.CommittedFrontier()
	if err != nil {
		return s.fail(fmt.Errorf("read committed frontier: %w", err))
	}

	req := RoundRequest{
		NodeID:    store.NodeID(),
		Changes:   envelopes,
		Watermark: wm,
		Gaps:      ownGaps,
		Limit:     s.batch,
	}

	resp, err := s.exchange(ctx, req)
	if err != nil {
		return s.fail(err)
	}

	for _, ack := range resp.Acks {
		if ack.Status == causal.StatusRejected {
			s.logger.Warn("peer rejected change",
				"record", ack.RecordType+"/"+ack.RecordID, "origin", ack.Origin, "seq", ack.Seq, "error", ack.Error)
		}
	}

	// The peer's frontier decides what we push next round; store it before
	// applying the pull set so a crash in between only costs duplicates.
	if err := store.SetPeerWatermark(s.peer.Name, resp.Watermark); err != nil {
		s.logger.Warn("storing peer watermark failed", "error", err)
	}

	_, gaps := s.engine.applyBatch(resp.Changes)

	s.mu.Lock()
	s.ownGaps = gaps
	s.peerGaps = resp.Gaps
	s.failures = 0
	s.lastOK = time.Now()
	s.lastErr = ""
	s.mu.Unlock()

	// Buffered changes age one round; anything past the bound is dropped
	// and will be re-sent by its origin since our frontier never covered it.
	evicted, err := store.BumpPendingRounds()
	if err != nil {
		s.logger.Warn("aging pending buffer failed", "error", err)
	} else if len(evicted) > 0 {
		if s.engine.metrics != nil {
			s.engine.metrics.RecordEvictions(len(evicted))
		}
		for _, ch := range evicted {
			s.logger.Warn("evicted stale pending change",
				"record", ch.RecordType+"/"+ch.RecordID, "origin", ch.Origin, "seq", ch.Seq)
		}
	}

	if s.engine.metrics != nil {
		s.engine.metrics.RecordRoundDriven(nil)
		s.engine.metrics.RecordExchange(len(envelopes), len(resp.Changes))
		s.engine.metrics.RecordGaps(len(gaps))
	}

	if len(push) > 0 || len(resp.Changes) > 0 {
		s.logger.Info("sync round complete",
			"pushed", len(push), "pulled", len(resp.Changes), "gaps", len(gaps))
	}
	return nil
}

func (s *Session) exchange(ctx context.Context, round RoundRequest) (RoundResponse, error) {
	body, err := json.Marshal(round)
	if err != nil {
		return RoundResponse{}, fmt.Errorf("marshal round request: %w", err)
	}

	url := strings.TrimRight(s.peer.URL, "/") + "/sync/v1/round"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return RoundResponse{}, fmt.Errorf("create round request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.peer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.peer.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return RoundResponse{}, fmt.Errorf("round request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return RoundResponse{}, fmt.Errorf("round returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out RoundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RoundResponse{}, fmt.Errorf("decode round response: %w", err)
	}
	return out, nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.failures++
	s.lastErr = err.Error()
	s.mu.Unlock()
	if s.engine.metrics != nil {
		s.engine.metrics.RecordRoundDriven(err)
	}
	return err
}

// Status reports the session state for the peers endpoint.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		Peer:        s.peer.Name,
		URL:         s.peer.URL,
		LastAttempt: s.lastTry,
		LastSuccess: s.lastOK,
		LastError:   s.lastErr,
		Failures:    s.failures,
		OpenGaps:    len(s.ownGaps),
	}
	s.mu.Unlock()

	if wm, err := s.engine.Store().PeerWatermark(s.peer.Name); err == nil && len(wm) > 0 {
		st.PeerWatermark = wm
	}
	return st
}

func backoffDelay(failures int) time.Duration {
	delays := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 135 * time.Second, 405 * time.Second}
	if failures <= 0 {
		return delays[0]
	}
	if failures > len(delays) {
		return 10 * time.Minute
	}
	return delays[failures-1]
}
