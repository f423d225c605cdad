package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/vclock"
)

// mockBackend implements Backend for testing.
type mockBackend struct {
	name     string
	messages [][]byte
	closed   bool
}

func (m *mockBackend) Name() string { return m.name }
func (m *mockBackend) Publish(_ context.Context, payload []byte) error {
	m.messages = append(m.messages, payload)
	return nil
}
func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

func taskEvent(id string, base vclock.VectorClock, deltas map[string]record.Field, version record.RecordVersion) causal.Event {
	version.RecordID = id
	version.RecordType = record.TypeTask
	return causal.Event{
		Change: record.Change{
			RecordType: record.TypeTask,
			RecordID:   id,
			Origin:     "ward-a",
			Seq:        1,
			BaseClock:  base,
			Deltas:     deltas,
		},
		Version: version,
		Status:  causal.StatusCommitted,
		Local:   true,
	}
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher("ward-a", config.NotifyConfig{})
	if d.maxWorkers != 4 {
		t.Errorf("workers: got %d, want 4", d.maxWorkers)
	}
	if d.maxRetries != 3 {
		t.Errorf("retries: got %d, want 3", d.maxRetries)
	}
	if cap(d.workerCh) != 256 {
		t.Errorf("queue: got %d, want 256", cap(d.workerCh))
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	d := NewDispatcher("ward-a", config.NotifyConfig{MaxWorkers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Stop()
}

func TestDispatcher_BackendClose(t *testing.T) {
	d := NewDispatcher("ward-a", config.NotifyConfig{MaxWorkers: 1})
	b := &mockBackend{name: "test"}
	d.AddBackend(b)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Stop()

	if !b.closed {
		t.Error("expected backend to be closed")
	}
}

func TestDispatch_ToBackend(t *testing.T) {
	d := NewDispatcher("ward-a", config.NotifyConfig{MaxWorkers: 1})
	b := &mockBackend{name: "test"}
	d.AddBackend(b)

	d.Dispatch(taskEvent("t1", nil, nil, record.RecordVersion{}))

	if len(b.messages) != 1 {
		t.Fatalf("expected 1 message to backend, got %d", len(b.messages))
	}
	var ev SyncEvent
	if err := json.Unmarshal(b.messages[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventName != "task.created" {
		t.Errorf("event name: got %q", ev.EventName)
	}
	if ev.EventSource != "ward-a" || ev.RecordID != "t1" {
		t.Errorf("event: %+v", ev)
	}
}

func TestDispatch_ReviewAddsSecondEvent(t *testing.T) {
	d := NewDispatcher("ward-a", config.NotifyConfig{MaxWorkers: 1})
	b := &mockBackend{name: "test"}
	d.AddBackend(b)

	ev := taskEvent("t1", vclock.VectorClock{"ward-b": 1}, nil, record.RecordVersion{})
	ev.ReviewFields = []string{"dosage"}
	d.Dispatch(ev)

	if len(b.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(b.messages))
	}
	var second SyncEvent
	if err := json.Unmarshal(b.messages[1], &second); err != nil {
		t.Fatal(err)
	}
	if second.EventName != "review.opened" {
		t.Errorf("second event: got %q", second.EventName)
	}
	if len(second.Fields) != 1 || second.Fields[0] != "dosage" {
		t.Errorf("review fields: %v", second.Fields)
	}
}

func TestDispatch_WebhookDelivery(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher("ward-a", config.NotifyConfig{
		MaxWorkers: 2,
		Webhooks: []config.WebhookSink{
			{Name: "ehr", URL: server.URL, Events: []string{"task.*"}},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Dispatch(taskEvent("t1", nil, nil, record.RecordVersion{}))

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	d.Stop()

	if received.Load() != 1 {
		t.Errorf("expected 1 webhook call, got %d", received.Load())
	}
}

func TestDispatch_EventFiltering(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher("ward-a", config.NotifyConfig{
		MaxWorkers: 1,
		Webhooks: []config.WebhookSink{
			{Name: "pager", URL: server.URL, Events: []string{"task.deleted"}},
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	// An update must not match a deleted-only subscription.
	d.Dispatch(taskEvent("t1", vclock.VectorClock{"ward-a": 1}, nil, record.RecordVersion{}))

	time.Sleep(100 * time.Millisecond)
	cancel()
	d.Stop()

	if received.Load() != 0 {
		t.Errorf("expected 0 webhook calls (filtered), got %d", received.Load())
	}
}

func TestEventName(t *testing.T) {
	created := taskEvent("t1", nil, nil, record.RecordVersion{})
	if got := eventName(created); got != "task.created" {
		t.Errorf("created: got %q", got)
	}

	updated := taskEvent("t1", vclock.VectorClock{"ward-a": 1}, nil, record.RecordVersion{})
	if got := eventName(updated); got != "task.updated" {
		t.Errorf("updated: got %q", got)
	}

	completed := taskEvent("t1", vclock.VectorClock{"ward-a": 1},
		map[string]record.Field{record.StatusField: {Value: record.Enum("completed")}},
		record.RecordVersion{Fields: map[string]record.Field{
			record.StatusField: {Value: record.Enum("completed")},
		}})
	if got := eventName(completed); got != "task.completed" {
		t.Errorf("completed: got %q", got)
	}

	// A status delta that lands on a non-terminal value is an update.
	blocked := taskEvent("t1", vclock.VectorClock{"ward-a": 1},
		map[string]record.Field{record.StatusField: {Value: record.Enum("blocked")}},
		record.RecordVersion{Fields: map[string]record.Field{
			record.StatusField: {Value: record.Enum("blocked")},
		}})
	if got := eventName(blocked); got != "task.updated" {
		t.Errorf("blocked: got %q", got)
	}

	deleted := taskEvent("t1", vclock.VectorClock{"ward-a": 1}, nil,
		record.RecordVersion{Fields: map[string]record.Field{
			record.TombstoneField: {Value: record.Bool(true)},
		}})
	if got := eventName(deleted); got != "task.deleted" {
		t.Errorf("deleted: got %q", got)
	}
}

func TestMatchEvent(t *testing.T) {
	if !matchEvent([]string{"task.completed"}, "task.completed") {
		t.Error("exact match should succeed")
	}
	if matchEvent([]string{"task.completed"}, "task.deleted") {
		t.Error("different events should not match")
	}
	if !matchEvent([]string{"task.*"}, "task.created") {
		t.Error("wildcard should match sub-event")
	}
	if matchEvent([]string{"task.*"}, "handover.updated") {
		t.Error("wrong category wildcard should not match")
	}
	if !matchEvent([]string{"*"}, "handover.updated") {
		t.Error("* should match everything")
	}
	if !matchEvent(nil, "task.created") {
		t.Error("no patterns should match everything")
	}
}
