// Package journal appends one JSON line per committed change. Ward
// incident reviews work from this file: it answers "which device changed
// this task, when, and what did the merge do" without touching the store.
package journal

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
)

// Entry is one committed change as it went into the record.
type Entry struct {
	Time         time.Time `json:"time"`
	Origin       string    `json:"origin"`
	Seq          uint64    `json:"seq"`
	RecordType   string    `json:"record_type"`
	RecordID     string    `json:"record_id"`
	Local        bool      `json:"local"`
	Status       string    `json:"status"`
	Op           string    `json:"op,omitempty"`
	Fields       []string  `json:"fields,omitempty"`
	ReviewFields []string  `json:"review_fields,omitempty"`
}

type Journal struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

func New(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Record writes one commit event. Write errors are swallowed; the journal
// is an audit aid and must never block or fail a commit.
func (j *Journal) Record(ev causal.Event) {
	fields := make([]string, 0, len(ev.Change.Deltas))
	for name := range ev.Change.Deltas {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	entry := Entry{
		Time:         time.Now().UTC(),
		Origin:       ev.Change.Origin,
		Seq:          ev.Change.Seq,
		RecordType:   ev.Change.RecordType,
		RecordID:     ev.Change.RecordID,
		Local:        ev.Local,
		Status:       string(ev.Status),
		Op:           string(ev.Op),
		Fields:       fields,
		ReviewFields: ev.ReviewFields,
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.enc.Encode(entry)
}

// Attach subscribes the journal to the store's commit feed.
func (j *Journal) Attach(store *causal.Store) {
	store.OnCommit(j.Record)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
