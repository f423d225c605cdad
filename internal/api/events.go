package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
)

// EventBus fans committed changes out to dashboard SSE streams. Slow
// subscribers lose events rather than stall the commit path.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

type busEvent struct {
	Type         string   `json:"type"`
	RecordType   string   `json:"record_type,omitempty"`
	RecordID     string   `json:"record_id,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	Seq          uint64   `json:"seq,omitempty"`
	Status       string   `json:"status,omitempty"`
	Op           string   `json:"op,omitempty"`
	Local        bool     `json:"local,omitempty"`
	ReviewFields []string `json:"review_fields,omitempty"`
	Time         string   `json:"time"`
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[chan []byte]struct{})}
}

// Attach registers the bus on the store's commit hook.
func (b *EventBus) Attach(store *causal.Store) {
	store.OnCommit(b.Publish)
}

func (b *EventBus) Publish(ev causal.Event) {
	msg := busEvent{
		Type:         "commit",
		RecordType:   ev.Change.RecordType,
		RecordID:     ev.Change.RecordID,
		Origin:       ev.Change.Origin,
		Seq:          ev.Change.Seq,
		Status:       ev.Version.Status(),
		Op:           string(ev.Op),
		Local:        ev.Local,
		ReviewFields: ev.ReviewFields,
		Time:         time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			// subscriber is not draining, drop the event
		}
	}
}

func (b *EventBus) subscribe() chan []byte {
	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBus) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// Subscribers returns the number of connected streams.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// handleEvents streams commits as server-sent events.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.eventBus.subscribe()
	defer h.eventBus.unsubscribe(ch)

	hello, _ := json.Marshal(busEvent{Type: "connected", Time: time.Now().UTC().Format(time.RFC3339)})
	fmt.Fprintf(w, "data: %s\n\n", hello)
	flusher.Flush()

	// Heartbeats keep proxies from reaping the idle connection.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
