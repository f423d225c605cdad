package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/config"
	"github.com/caretrack/wardsync/internal/record"
)

func newTestStore(t *testing.T, nodeID string) *causal.Store {
	t.Helper()
	s, err := causal.NewStore(filepath.Join(t.TempDir(), "sync.db"), causal.Options{NodeID: nodeID})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteBackupAndRestore(t *testing.T) {
	src := newTestStore(t, "ward-a")
	if _, _, err := src.SubmitLocal(record.TypeTask, "t1", map[string]record.FieldValue{
		"title":  record.String("check vitals"),
		"status": record.Enum("in_progress"),
	}); err != nil {
		t.Fatalf("SubmitLocal: %v", err)
	}
	if _, _, err := src.SubmitLocal(record.TypeHandover, "h1", map[string]record.FieldValue{
		"summary": record.String("night shift notes"),
	}); err != nil {
		t.Fatalf("SubmitLocal: %v", err)
	}

	dir := t.TempDir()
	name, err := WriteBackup(src, dir)
	if err != nil {
		t.Fatalf("WriteBackup: %v", err)
	}
	path := filepath.Join(dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if fi.Size() == 0 {
		t.Fatal("backup file is empty")
	}

	dst := newTestStore(t, "ward-a")
	if err := Restore(dst, path); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v, ok, err := dst.CurrentVersion(record.TypeTask, "t1")
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if !ok {
		t.Fatal("restored store is missing t1")
	}
	if got := v.Fields["title"].Value.Str; got != "check vitals" {
		t.Errorf("restored title: got %q", got)
	}
	if _, ok, err := dst.CurrentVersion(record.TypeHandover, "h1"); err != nil || !ok {
		t.Fatalf("restored store is missing h1 (err %v)", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"wardsync-20260101-030000.snap",
		"wardsync-20260103-030000.snap",
		"wardsync-20260102-030000.snap",
		"notes.txt", // ignored
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("List: got %d entries, want 3", len(infos))
	}
	if infos[0].Name != "wardsync-20260103-030000.snap" {
		t.Errorf("newest first: got %s", infos[0].Name)
	}
	want := time.Date(2026, 1, 3, 3, 0, 0, 0, time.UTC)
	if !infos[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt: got %v, want %v", infos[0].CreatedAt, want)
	}
}

func TestListMissingDir(t *testing.T) {
	infos, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("got %d entries, want 0", len(infos))
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"wardsync-20260101-030000.snap",
		"wardsync-20260102-030000.snap",
		"wardsync-20260103-030000.snap",
		"wardsync-20260104-030000.snap",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d, want 2", pruned)
	}
	infos, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d survivors, want 2", len(infos))
	}
	if infos[0].Name != names[3] || infos[1].Name != names[2] {
		t.Errorf("wrong survivors: %s, %s", infos[0].Name, infos[1].Name)
	}

	// Under the limit, prune is a no-op.
	pruned, err = Prune(dir, 5)
	if err != nil || pruned != 0 {
		t.Errorf("no-op prune: pruned %d, err %v", pruned, err)
	}
}

func TestTriggerBackup(t *testing.T) {
	store := newTestStore(t, "ward-a")
	if _, _, err := store.SubmitLocal(record.TypeTask, "t1", map[string]record.FieldValue{
		"title": record.String("x"),
	}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	sched := NewScheduler(store, config.BackupConfig{Dir: dir, Keep: 3})

	if msg := sched.TriggerBackup(); msg != "backup started" {
		t.Fatalf("TriggerBackup: got %q", msg)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		infos, err := List(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(infos) == 1 && !sched.IsRunning() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backup never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := sched.Latest(); err != nil {
		t.Errorf("Latest: %v", err)
	}
}
