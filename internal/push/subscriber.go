package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber keeps a websocket open to a peer and invokes the callback
// on every commit nudge. It lets a node start a sync round the moment
// the peer commits something instead of waiting out the poll interval.
type Subscriber struct {
	url      string
	token    string
	onCommit func(CommitPayload)
	logger   *slog.Logger
	backoff  []time.Duration
}

func NewSubscriber(peerURL, token string, onCommit func(CommitPayload), logger *slog.Logger) *Subscriber {
	wsURL := strings.TrimRight(peerURL, "/") + "/sync/v1/ws"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:      wsURL,
		token:    token,
		onCommit: onCommit,
		logger:   logger,
		backoff:  []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// Run dials and re-dials until the context ends. Nudges are advisory,
// so a dropped connection just falls back to interval polling.
func (s *Subscriber) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.listen(ctx); err != nil && ctx.Err() == nil {
			idx := attempt
			if idx >= len(s.backoff) {
				idx = len(s.backoff) - 1
			}
			s.logger.Debug("push subscription dropped", "error", err, "retry_in", s.backoff[idx])
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff[idx]):
			}
			attempt++
			continue
		}
		attempt = 0
	}
}

func (s *Subscriber) listen(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.logger.Debug("push subscription established", "url", s.url)

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		})

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// The hub batches queued messages newline-separated.
		for _, line := range strings.Split(string(raw), "\n") {
			if line == "" {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				continue
			}
			if msg.Type != TypeCommit || s.onCommit == nil {
				continue
			}
			var payload CommitPayload
			if err := msg.UnmarshalPayload(&payload); err != nil {
				continue
			}
			s.onCommit(payload)
		}
	}
}
