package causal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/caretrack/wardsync/internal/record"
)

// ReviewEntry is one merge that needs a human decision. The mechanical
// result in Merged has already been committed so replicas stay convergent;
// the entry preserves both inputs so a reviewer can overrule it with a
// fresh change.
type ReviewEntry struct {
	ID         uint64               `json:"id"`
	RecordType string               `json:"record_type"`
	RecordID   string               `json:"record_id"`
	Fields     []string             `json:"fields"`
	Local      record.RecordVersion `json:"local"`
	Remote     record.Change        `json:"remote"`
	Merged     record.RecordVersion `json:"merged"`
	CreatedAt  int64                `json:"created_at"`
	ResolvedAt int64                `json:"resolved_at,omitempty"`
	ResolvedBy string               `json:"resolved_by,omitempty"`
}

func putReview(tx *bolt.Tx, entry *ReviewEntry) error {
	b := tx.Bucket(reviewBucket)
	id, err := b.NextSequence()
	if err != nil {
		return err
	}
	entry.ID = id
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(u64Key(id), data)
}

// GetReview looks up one review entry by id, nil when none exists.
func (s *Store) GetReview(id uint64) (*ReviewEntry, error) {
	var entry *ReviewEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(reviewBucket).Get(u64Key(id))
		if data == nil {
			return nil
		}
		entry = &ReviewEntry{}
		return json.Unmarshal(data, entry)
	})
	return entry, err
}

// ListReview returns review entries oldest first. Resolved entries are
// included only when includeResolved is set.
func (s *Store) ListReview(includeResolved bool) ([]ReviewEntry, error) {
	var entries []ReviewEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reviewBucket).ForEach(func(k, v []byte) error {
			var entry ReviewEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("skipping corrupt review entry", "error", err)
				return nil
			}
			if !includeResolved && entry.ResolvedAt != 0 {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// ResolveReview marks an entry as handled. The caller is expected to have
// submitted any corrective change first; resolving only retires the entry.
func (s *Store) ResolveReview(id uint64, by string) (*ReviewEntry, error) {
	var entry *ReviewEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(reviewBucket)
		data := b.Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("review entry not found: %d", id)
		}
		entry = &ReviewEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return err
		}
		if entry.ResolvedAt != 0 {
			return fmt.Errorf("review entry %d already resolved by %s", id, entry.ResolvedBy)
		}
		entry.ResolvedAt = time.Now().UnixNano()
		entry.ResolvedBy = by
		updated, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(u64Key(id), updated)
	})
	return entry, err
}

// PurgeResolvedReview deletes resolved entries older than the cutoff and
// returns how many were removed.
func (s *Store) PurgeResolvedReview(olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixNano()
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(reviewBucket)
		var drops [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry ReviewEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.ResolvedAt != 0 && entry.ResolvedAt < cutoff {
				drops = append(drops, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range drops {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}
