package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
)

const (
	filePrefix = "wardsync-"
	fileSuffix = ".snap"
	timeLayout = "20060102-150405"
)

// Info describes one backup file on disk.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteBackup snapshots the store into dir and returns the file name.
// The snapshot is written to a temp file and renamed so a crash mid-write
// never leaves a truncated backup behind.
func WriteBackup(store *causal.Store, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := filePrefix + time.Now().UTC().Format(timeLayout) + fileSuffix
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp backup: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := store.WriteSnapshot(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("rename backup: %w", err)
	}
	return name, nil
}

// List returns the backup files in dir, newest first. A missing directory
// is treated as empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:      name,
			Path:      filepath.Join(dir, name),
			Size:      fi.Size(),
			CreatedAt: parseStamp(name, fi.ModTime()),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name > infos[j].Name
	})
	return infos, nil
}

// Prune removes all but the newest keep backups and returns how many
// files were deleted.
func Prune(dir string, keep int) (int, error) {
	infos, err := List(dir)
	if err != nil {
		return 0, err
	}
	if len(infos) <= keep {
		return 0, nil
	}

	pruned := 0
	for _, info := range infos[keep:] {
		if err := os.Remove(info.Path); err != nil {
			return pruned, fmt.Errorf("remove %s: %w", info.Name, err)
		}
		pruned++
	}
	return pruned, nil
}

// Restore loads a snapshot file into the store, replacing its contents.
// Meant for offline recovery; the server must not be serving the store
// while this runs.
func Restore(store *causal.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	if err := store.RestoreSnapshot(f); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// parseStamp recovers the creation time from the file name, falling back
// to the file mtime when the name does not parse.
func parseStamp(name string, fallback time.Time) time.Time {
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
