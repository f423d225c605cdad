package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/vclock"
)

func TestRecordAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clock := vclock.VectorClock{"ward-a": 1}
	j.Record(causal.Event{
		Change: record.Change{
			RecordID:       "t1",
			RecordType:     record.TypeTask,
			Origin:         "ward-a",
			Seq:            1,
			ResultingClock: clock,
			Deltas: map[string]record.Field{
				"title":            {Value: record.String("x")},
				record.StatusField: {Value: record.Enum("created")},
			},
		},
		Status: causal.StatusCommitted,
		Local:  true,
	})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("journal is empty")
	}
	var entry Entry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("bad journal line: %v", err)
	}
	if entry.Origin != "ward-a" || entry.Seq != 1 || entry.RecordID != "t1" || !entry.Local {
		t.Errorf("entry: %+v", entry)
	}
	if len(entry.Fields) != 2 || entry.Fields[0] != record.StatusField {
		t.Errorf("fields should be sorted, got %v", entry.Fields)
	}
	if entry.Status != "committed" {
		t.Errorf("status: %q", entry.Status)
	}
}

func TestAppendAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	for i := 0; i < 2; i++ {
		j, err := New(path)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		j.Record(causal.Event{Change: record.Change{RecordID: "t1", RecordType: record.TypeTask, Origin: "w", Seq: uint64(i + 1)}})
		j.Close()
	}

	f, _ := os.Open(path)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines after reopen, got %d", lines)
	}
}
