// Package notify delivers committed-change events to external systems:
// HTTP webhooks with retry, plus broker backends (Kafka, NATS, Redis,
// AMQP, Postgres). Hospitals wire these into the EHR, paging, and
// reporting pipelines; delivery is at-most-once and never blocks a
// commit.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/record"
)

// SyncEvent is the JSON payload sent to every sink.
type SyncEvent struct {
	EventVersion string   `json:"event_version"`
	EventSource  string   `json:"event_source"` // node id
	EventTime    string   `json:"event_time"`
	EventName    string   `json:"event_name"` // e.g. task.completed, review.opened
	RecordType   string   `json:"record_type"`
	RecordID     string   `json:"record_id"`
	Origin       string   `json:"origin"`
	Seq          uint64   `json:"seq"`
	Status       string   `json:"status,omitempty"`
	Fields       []string `json:"fields,omitempty"`
	Local        bool     `json:"local"`
}

// Backend is the interface for notification delivery backends.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type deliveryJob struct {
	endpoint   string
	payload    []byte
	retryCount int
	maxRetries int
}

// Dispatcher handles async event delivery with retry.
type Dispatcher struct {
	nodeID     string
	webhooks   []config.WebhookSink
	client     *http.Client
	workerCh   chan deliveryJob
	wg         sync.WaitGroup
	maxWorkers int
	maxRetries int
	backoff    []time.Duration
	backends   []Backend
	mu         sync.Mutex
}

func NewDispatcher(nodeID string, cfg config.NotifyConfig) *Dispatcher {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	timeout := cfg.TimeoutSecs
	if timeout <= 0 {
		timeout = 10
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Dispatcher{
		nodeID:     nodeID,
		webhooks:   cfg.Webhooks,
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		workerCh:   make(chan deliveryJob, queue),
		maxWorkers: workers,
		maxRetries: retries,
		backoff:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliverWebhook(job)
				}
			}
		}()
	}
}

// AddBackend registers a notification backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	slog.Info("notification backend registered", "backend", b.Name())
}

func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		b.Close()
	}
}

// Attach subscribes the dispatcher to store commits.
func (d *Dispatcher) Attach(store *causal.Store) {
	store.OnCommit(d.Dispatch)
}

// Dispatch fans a committed change out to backends and matching
// webhooks. Called on the commit path, so everything heavier than a
// channel send happens on worker goroutines.
func (d *Dispatcher) Dispatch(ev causal.Event) {
	d.dispatchNamed(ev, eventName(ev), nil)
	if len(ev.ReviewFields) > 0 {
		d.dispatchNamed(ev, "review.opened", ev.ReviewFields)
	}
}

func (d *Dispatcher) dispatchNamed(ev causal.Event, name string, fields []string) {
	event := SyncEvent{
		EventVersion: "1.0",
		EventSource:  d.nodeID,
		EventTime:    time.Now().UTC().Format(time.RFC3339),
		EventName:    name,
		RecordType:   ev.Change.RecordType,
		RecordID:     ev.Change.RecordID,
		Origin:       ev.Change.Origin,
		Seq:          ev.Change.Seq,
		Status:       ev.Version.Status(),
		Fields:       fields,
		Local:        ev.Local,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("notify error marshaling event", "error", err)
		return
	}

	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()
	for _, b := range backends {
		if err := b.Publish(context.Background(), payload); err != nil {
			slog.Error("notify backend publish error", "backend", b.Name(), "error", err)
		}
	}

	for _, wh := range d.webhooks {
		if !matchEvent(wh.Events, name) {
			continue
		}

		job := deliveryJob{
			endpoint:   wh.URL,
			payload:    payload,
			retryCount: 0,
			maxRetries: d.maxRetries,
		}

		// Non-blocking send — drop if queue is full
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full, dropping event", "event", name, "record", ev.Change.RecordID)
		}
	}
}

func (d *Dispatcher) deliverWebhook(job deliveryJob) {
	resp, err := d.client.Post(job.endpoint, "application/json", bytes.NewReader(job.payload))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return // success
		}
		err = &httpError{statusCode: resp.StatusCode}
	}

	// Retry
	if job.retryCount < job.maxRetries-1 {
		backoffIdx := job.retryCount
		if backoffIdx >= len(d.backoff) {
			backoffIdx = len(d.backoff) - 1
		}
		time.Sleep(d.backoff[backoffIdx])

		job.retryCount++
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full on retry, dropping webhook", "endpoint", job.endpoint)
		}
	} else {
		slog.Error("notify webhook failed after retries", "retries", job.maxRetries, "endpoint", job.endpoint, "error", err)
	}
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return "webhook returned non-success status"
}

// eventName classifies a commit. Deletion wins over everything, then
// completion (a status delta landing on completed or verified), then
// first write vs update.
func eventName(ev causal.Event) string {
	t := ev.Change.RecordType
	if ev.Version.Tombstoned() {
		return t + ".deleted"
	}
	if _, touched := ev.Change.Deltas[record.StatusField]; touched {
		switch ev.Version.Status() {
		case "completed", "verified":
			return t + ".completed"
		}
	}
	if len(ev.Change.BaseClock) == 0 {
		return t + ".created"
	}
	return t + ".updated"
}

// matchEvent checks if the event name matches any of the configured
// patterns. Empty patterns match everything.
func matchEvent(patterns []string, actual string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == actual || p == "*" {
			return true
		}
		// Wildcard matching: "task.*" matches "task.completed"
		if strings.HasSuffix(p, ".*") {
			prefix := p[:len(p)-1] // "task."
			if strings.HasPrefix(actual, prefix) {
				return true
			}
		}
	}
	return false
}
