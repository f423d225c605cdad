// Package causal holds the authoritative record versions for one node and
// decides when incoming changes may be applied. A change commits only after
// every causal predecessor from its origin has committed for that record;
// anything early is buffered, anything stale is skipped, and concurrent
// changes are reconciled through the merge resolver before commit.
package causal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/caretrack/wardsync/internal/merge"
	"github.com/caretrack/wardsync/internal/record"
	"github.com/caretrack/wardsync/internal/vclock"
)

var (
	recordsBucket   = []byte("records")
	changelogBucket = []byte("changelog")
	pendingBucket   = []byte("pending_changes")
	frontierBucket  = []byte("origin_frontiers")
	watermarkBucket = []byte("peer_watermarks")
	reviewBucket    = []byte("review_queue")
	devicesBucket   = []byte("devices")
	metaBucket      = []byte("meta")
)

var (
	metaNodeID = []byte("node_id")
	metaOwnSeq = []byte("own_seq")
)

const lockStripes = 64

// Status classifies the outcome of applying one change.
type Status string

const (
	StatusCommitted      Status = "committed"
	StatusAlreadyApplied Status = "already_applied"
	StatusPending        Status = "pending"
	StatusNeedsReview    Status = "needs_review"
	StatusRejected       Status = "rejected"
)

// Gap names one origin whose counter sequence has a hole: the local store has
// committed Have changes from that origin for the record but the incoming
// change was built on Need.
type Gap struct {
	Origin string `json:"origin"`
	Have   uint64 `json:"have"`
	Need   uint64 `json:"need"`
}

// GapError reports that a change could not be buffered any longer and its
// prerequisites must be retransmitted. It is a retry signal, not a failure:
// the round that carries it continues with the remaining changes.
type GapError struct {
	RecordType string
	RecordID   string
	Origin     string
	Gaps       []Gap
}

func (e *GapError) Error() string {
	return fmt.Sprintf("causal gap for %s/%s from %s: %d missing origin(s)",
		e.RecordType, e.RecordID, e.Origin, len(e.Gaps))
}

// ApplyResult is the per-change outcome handed back to the sync layer.
// Version is populated for every committed or already-applied change.
type ApplyResult struct {
	Status       Status
	Version      record.RecordVersion
	Gaps         []Gap
	Op           merge.OperationType
	ReviewFields []string
}

// Event describes one committed change, delivered to subscribers after the
// commit transaction has finished.
type Event struct {
	Change       record.Change
	Version      record.RecordVersion
	Status       Status
	Op           merge.OperationType
	ReviewFields []string
	Local        bool
}

type logEntry struct {
	CommitSeq   uint64        `json:"commit_seq"`
	Change      record.Change `json:"change"`
	CommittedAt int64         `json:"committed_at"`
}

type pendingEntry struct {
	Change     record.Change `json:"change"`
	Rounds     int           `json:"rounds"`
	ReceivedAt int64         `json:"received_at"`
}

// Options bound the pending buffer. Zero values fall back to defaults.
type Options struct {
	NodeID              string
	MaxPendingPerRecord int
	MaxPendingRounds    int
	Logger              *slog.Logger
}

// Store is the sole writer of record versions for this node. All mutation
// paths funnel through a per-record stripe lock so commit is a serialized
// read-merge-write per record while distinct records proceed concurrently.
type Store struct {
	db     *bolt.DB
	nodeID string
	logger *slog.Logger

	maxPendingPerRecord int
	maxPendingRounds    int

	locks [lockStripes]sync.Mutex

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// NewStore opens (or creates) the node database. The node id is persisted on
// first open and immutable afterwards: passing a different id later is an
// error, because clocks stamped under the old identity are already in
// circulation.
func NewStore(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open sync db: %w", err)
	}

	s := &Store{
		db:                  db,
		logger:              opts.Logger,
		maxPendingPerRecord: opts.MaxPendingPerRecord,
		maxPendingRounds:    opts.MaxPendingRounds,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxPendingPerRecord <= 0 {
		s.maxPendingPerRecord = 64
	}
	if s.maxPendingRounds <= 0 {
		s.maxPendingRounds = 8
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			recordsBucket, changelogBucket, pendingBucket, frontierBucket,
			watermarkBucket, reviewBucket, devicesBucket, metaBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metaBucket)
		stored := meta.Get(metaNodeID)
		switch {
		case stored == nil:
			id := opts.NodeID
			if id == "" {
				id = uuid.NewString()
			}
			s.nodeID = id
			return meta.Put(metaNodeID, []byte(id))
		case opts.NodeID != "" && opts.NodeID != string(stored):
			return fmt.Errorf("node id %q does not match persisted id %q", opts.NodeID, stored)
		default:
			s.nodeID = string(stored)
			return nil
		}
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync db: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NodeID returns this replica's stable identity.
func (s *Store) NodeID() string {
	return s.nodeID
}

// OnCommit registers a callback invoked after every commit, outside the
// per-record critical section. Callbacks must not block.
func (s *Store) OnCommit(fn func(Event)) {
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := s.subscribers
	s.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + "/" + recordID)
}

func (s *Store) lockFor(recordType, recordID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(recordType+"/"+recordID)%lockStripes]
}

// Record operations

// CurrentVersion returns the committed version of a record, if any.
func (s *Store) CurrentVersion(recordType, recordID string) (record.RecordVersion, bool, error) {
	var rv record.RecordVersion
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get(recordKey(recordType, recordID))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rv); err != nil {
			return fmt.Errorf("decode version %s/%s: %w", recordType, recordID, err)
		}
		found = true
		return nil
	})
	return rv, found, err
}

// ScanVersions iterates every committed version of the given type (all types
// when recordType is empty). Return false from fn to stop.
func (s *Store) ScanVersions(recordType string, fn func(record.RecordVersion) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		var prefix []byte
		var k, v []byte
		if recordType != "" {
			prefix = []byte(recordType + "/")
			k, v = c.Seek(prefix)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != nil && (len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix)) {
				break
			}
			var rv record.RecordVersion
			if err := json.Unmarshal(v, &rv); err != nil {
				s.logger.Warn("skipping corrupt version entry", "key", string(k), "error", err)
				continue
			}
			if !fn(rv) {
				return nil
			}
		}
		return nil
	})
}

// Change application

// SubmitLocal stamps field deltas with this node's incremented clock and
// commits them. Local changes are always causally sequential, so no merge
// is involved; the returned change is ready for transmission to peers.
func (s *Store) SubmitLocal(recordType, recordID string, deltas map[string]record.FieldValue) (record.Change, ApplyResult, error) {
	if len(deltas) == 0 {
		return record.Change{}, ApplyResult{Status: StatusRejected}, fmt.Errorf("no field deltas for %s/%s", recordType, recordID)
	}

	lock := s.lockFor(recordType, recordID)
	lock.Lock()

	current, exists, err := s.CurrentVersion(recordType, recordID)
	if err != nil {
		lock.Unlock()
		return record.Change{}, ApplyResult{Status: StatusRejected}, err
	}

	base := vclock.New()
	if exists {
		base = current.Clock.Clone()
	}
	resulting, err := base.Incremented(s.nodeID, s.nodeID)
	if err != nil {
		lock.Unlock()
		return record.Change{}, ApplyResult{Status: StatusRejected}, err
	}

	now := time.Now().UnixNano()
	stamp := record.Stamp{Weight: resulting.Sum(), WallNanos: now, Node: s.nodeID}
	fields := make(map[string]record.Field, len(deltas))
	for name, value := range deltas {
		if len(value.Refs) > 0 {
			refs := make([]record.RefEntry, len(value.Refs))
			copy(refs, value.Refs)
			for i := range refs {
				refs[i].Stamp = stamp
			}
			value.Refs = record.SortRefs(refs)
		}
		fields[name] = record.Field{Value: value, Stamp: stamp}
	}

	ch := record.Change{
		RecordID:       recordID,
		RecordType:     recordType,
		Origin:         s.nodeID,
		BaseClock:      base,
		ResultingClock: resulting,
		Deltas:         fields,
		StampedNanos:   now,
	}
	if err := ch.Validate(); err != nil {
		lock.Unlock()
		return record.Change{}, ApplyResult{Status: StatusRejected}, err
	}

	var next record.RecordVersion
	if exists {
		next = merge.ApplyChange(current, ch)
	} else {
		next = merge.NewVersion(ch)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		seq, err := nextOwnSeq(tx)
		if err != nil {
			return err
		}
		ch.Seq = seq
		return s.commitTx(tx, ch, next, nil)
	})
	lock.Unlock()
	if err != nil {
		return record.Change{}, ApplyResult{Status: StatusRejected}, fmt.Errorf("commit local change: %w", err)
	}

	ev := Event{Change: ch, Version: next, Status: StatusCommitted, Local: true}
	s.notify([]Event{ev})
	return ch, ApplyResult{Status: StatusCommitted, Version: next}, nil
}

// ApplyRemote runs the readiness state machine for one change received from
// a peer. Committing may unblock buffered successors for the same record;
// those cascade in the same critical section and their events are delivered
// in commit order.
func (s *Store) ApplyRemote(ch record.Change) (ApplyResult, error) {
	if err := ch.Validate(); err != nil {
		return ApplyResult{Status: StatusRejected}, err
	}
	if ch.Seq == 0 {
		return ApplyResult{Status: StatusRejected}, fmt.Errorf("change from %s missing origin ordinal", ch.Origin)
	}

	lock := s.lockFor(ch.RecordType, ch.RecordID)
	lock.Lock()

	var events []Event
	res, err := s.applyLocked(ch, false, &events)
	if err == nil && (res.Status == StatusCommitted || res.Status == StatusNeedsReview) {
		if drainErr := s.drainLocked(ch.RecordType, ch.RecordID, &events); drainErr != nil {
			s.logger.Warn("draining buffered changes failed",
				"record", ch.RecordType+"/"+ch.RecordID, "error", drainErr)
		}
	}
	lock.Unlock()

	s.notify(events)
	return res, err
}

// applyLocked decides and, when ready, commits a single remote change. The
// caller holds the record's stripe lock. fromBuffer marks changes replayed
// from the pending bucket; those stay buffered as-is when still not ready
// instead of being re-inserted, which would reset their age.
func (s *Store) applyLocked(ch record.Change, fromBuffer bool, events *[]Event) (ApplyResult, error) {
	current, exists, err := s.CurrentVersion(ch.RecordType, ch.RecordID)
	if err != nil {
		return ApplyResult{Status: StatusRejected}, err
	}

	committed := vclock.New()
	if exists {
		committed = current.Clock
	}

	// Idempotence: per origin the counters are gap-free, so a resulting
	// counter at or below what we have already committed was seen before.
	if ch.ResultingClock.Get(ch.Origin) <= committed.Get(ch.Origin) {
		return ApplyResult{Status: StatusAlreadyApplied, Version: current}, nil
	}

	// Readiness: the change must be the immediate next from its origin and
	// must not depend on anything we have not committed.
	var gaps []Gap
	if have, need := committed.Get(ch.Origin), ch.BaseClock.Get(ch.Origin); need != have {
		gaps = append(gaps, Gap{Origin: ch.Origin, Have: have, Need: need})
	}
	for node, need := range ch.BaseClock {
		if node == ch.Origin {
			continue
		}
		if have := committed.Get(node); need > have {
			gaps = append(gaps, Gap{Origin: node, Have: have, Need: need})
		}
	}
	if len(gaps) > 0 {
		sort.Slice(gaps, func(i, j int) bool { return gaps[i].Origin < gaps[j].Origin })
		if fromBuffer {
			return ApplyResult{Status: StatusPending, Gaps: gaps}, nil
		}
		if err := s.bufferPending(ch, gaps); err != nil {
			return ApplyResult{Status: StatusRejected, Gaps: gaps}, err
		}
		return ApplyResult{Status: StatusPending, Gaps: gaps}, nil
	}

	// Ready: sequential changes apply directly, concurrent ones go through
	// the merge resolver.
	var (
		next         record.RecordVersion
		op           merge.OperationType
		reviewFields []string
		status       = StatusCommitted
	)
	switch {
	case !exists:
		next = merge.NewVersion(ch)
	case committed.Compare(ch.ResultingClock) == vclock.HappenedBefore:
		next = merge.ApplyChange(current, ch)
	default:
		res := merge.MergeChange(current, ch)
		next = res.Version
		op = res.Op
		reviewFields = res.ReviewFields
		if res.Kind == merge.ManualReviewRequired {
			status = StatusNeedsReview
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		var review *ReviewEntry
		if status == StatusNeedsReview {
			review = &ReviewEntry{
				RecordType: ch.RecordType,
				RecordID:   ch.RecordID,
				Fields:     reviewFields,
				Local:      current,
				Remote:     ch,
				Merged:     next,
				CreatedAt:  time.Now().UnixNano(),
			}
		}
		return s.commitTx(tx, ch, next, review)
	})
	if err != nil {
		return ApplyResult{Status: StatusRejected}, fmt.Errorf("commit remote change: %w", err)
	}

	ev := Event{Change: ch, Version: next, Status: status, Op: op, ReviewFields: reviewFields}
	*events = append(*events, ev)
	return ApplyResult{Status: status, Version: next, Op: op, ReviewFields: reviewFields}, nil
}

// commitTx writes everything one commit touches in a single transaction:
// the new version, the changelog entry, the origin's ordinal frontier, any
// buffered copy of this change, and the review entry when a merge needs a
// human decision.
func (s *Store) commitTx(tx *bolt.Tx, ch record.Change, next record.RecordVersion, review *ReviewEntry) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := tx.Bucket(recordsBucket).Put(recordKey(ch.RecordType, ch.RecordID), data); err != nil {
		return err
	}

	lb := tx.Bucket(changelogBucket)
	commitSeq, err := lb.NextSequence()
	if err != nil {
		return err
	}
	entry := logEntry{CommitSeq: commitSeq, Change: ch, CommittedAt: time.Now().UnixNano()}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := lb.Put(u64Key(commitSeq), entryData); err != nil {
		return err
	}

	if ch.Seq > 0 {
		if err := markFrontier(tx, ch.Origin, ch.Seq); err != nil {
			return err
		}
	}

	if err := tx.Bucket(pendingBucket).Delete(pendingKey(ch)); err != nil {
		return err
	}

	if review != nil {
		if err := putReview(tx, review); err != nil {
			return err
		}
	}
	return nil
}

// drainLocked retries buffered changes for a record, in origin counter
// order, until a pass makes no progress. Each commit may unblock the next.
func (s *Store) drainLocked(recordType, recordID string, events *[]Event) error {
	for {
		candidates, err := s.pendingFor(recordType, recordID)
		if err != nil {
			return err
		}
		progressed := false
		for _, ch := range candidates {
			res, err := s.applyLocked(ch, true, events)
			if err != nil {
				s.logger.Warn("buffered change failed to apply",
					"record", recordType+"/"+recordID, "origin", ch.Origin, "error", err)
				continue
			}
			switch res.Status {
			case StatusCommitted, StatusNeedsReview:
				progressed = true
			case StatusAlreadyApplied:
				// A newer commit superseded the buffered copy; drop it.
				if err := s.dropPending(ch); err != nil {
					return err
				}
				progressed = true
			}
		}
		if !progressed {
			return nil
		}
	}
}

// Pending buffer

func pendingKey(ch record.Change) []byte {
	key := []byte(ch.RecordType + "/" + ch.RecordID + "\x00" + ch.Origin + "\x00")
	return append(key, u64Key(ch.ResultingClock.Get(ch.Origin))...)
}

func (s *Store) bufferPending(ch record.Change, gaps []Gap) error {
	prefix := []byte(ch.RecordType + "/" + ch.RecordID + "\x00")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		count := 0
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
			count++
		}
		if count >= s.maxPendingPerRecord {
			return &GapError{
				RecordType: ch.RecordType,
				RecordID:   ch.RecordID,
				Origin:     ch.Origin,
				Gaps:       gaps,
			}
		}
		entry := pendingEntry{Change: ch, ReceivedAt: time.Now().UnixNano()}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(pendingKey(ch), data)
	})
}

func (s *Store) dropPending(ch record.Change) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(pendingKey(ch))
	})
}

func (s *Store) pendingFor(recordType, recordID string) ([]record.Change, error) {
	prefix := []byte(recordType + "/" + recordID + "\x00")
	var out []record.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var entry pendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("skipping corrupt pending entry", "key", string(k), "error", err)
				continue
			}
			out = append(out, entry.Change)
		}
		return nil
	})
	return out, err
}

// PendingCount reports how many changes are buffered across all records.
func (s *Store) PendingCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// BumpPendingRounds ages every buffered change by one exchange round and
// evicts those that outlived the configured bound. Evicted changes are
// returned so the caller can surface them as causal gaps; their origins
// retransmit on a later round, nothing is lost permanently.
func (s *Store) BumpPendingRounds() ([]record.Change, error) {
	var evicted []record.Change
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		type update struct {
			key  []byte
			data []byte
		}
		var updates []update
		var drops [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var entry pendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				drops = append(drops, append([]byte(nil), k...))
				return nil
			}
			entry.Rounds++
			if entry.Rounds > s.maxPendingRounds {
				evicted = append(evicted, entry.Change)
				drops = append(drops, append([]byte(nil), k...))
				return nil
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			updates = append(updates, update{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := b.Put(u.key, u.data); err != nil {
				return err
			}
		}
		for _, k := range drops {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range evicted {
		s.logger.Warn("evicted buffered change after too many rounds",
			"record", ch.RecordType+"/"+ch.RecordID, "origin", ch.Origin, "seq", ch.Seq)
	}
	return evicted, nil
}

// EvictStalePending drops buffered changes received before the cutoff,
// regardless of round count. This is the wall-clock bound for nodes that
// mostly answer rounds rather than drive them.
func (s *Store) EvictStalePending(olderThan time.Time) ([]record.Change, error) {
	cutoff := olderThan.UnixNano()
	var evicted []record.Change
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		var drops [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry pendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				drops = append(drops, append([]byte(nil), k...))
				return nil
			}
			if entry.ReceivedAt < cutoff {
				evicted = append(evicted, entry.Change)
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
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ch := range evicted {
		s.logger.Warn("evicted stale buffered change",
			"record", ch.RecordType+"/"+ch.RecordID, "origin", ch.Origin, "seq", ch.Seq)
	}
	return evicted, nil
}

// Changelog

// ChangesSince returns committed changes whose origin ordinal is above the
// given watermark, in local commit order, up to limit. This is the pull set
// for a peer advertising that watermark.
func (s *Store) ChangesSince(watermark vclock.VectorClock, limit int) ([]record.Change, error) {
	var out []record.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(changelogBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry logEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("skipping corrupt changelog entry", "error", err)
				continue
			}
			if entry.Change.Seq <= watermark.Get(entry.Change.Origin) {
				continue
			}
			out = append(out, entry.Change)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ChangesForGap returns committed changes for one record from one origin
// whose counters fall in (have, need], i.e. the retransmission set that
// fills a reported gap.
func (s *Store) ChangesForGap(recordType, recordID, origin string, have, need uint64) ([]record.Change, error) {
	var out []record.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(changelogBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry logEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			ch := entry.Change
			if ch.RecordType != recordType || ch.RecordID != recordID || ch.Origin != origin {
				continue
			}
			counter := ch.ResultingClock.Get(origin)
			if counter > have && counter <= need {
				out = append(out, ch)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ResultingClock.Get(origin) < out[j].ResultingClock.Get(origin)
	})
	return out, err
}

// TrimChangelog deletes changelog entries at or below the given per-origin
// frontier, typically the minimum watermark acknowledged by every peer.
// A non-zero olderThan additionally holds back entries committed after it,
// so recently synced changes stay available for ad-hoc devices.
func (s *Store) TrimChangelog(frontier vclock.VectorClock, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixNano()
	trimmed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(changelogBucket)
		c := b.Cursor()
		var drops [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry logEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				drops = append(drops, append([]byte(nil), k...))
				continue
			}
			if !olderThan.IsZero() && entry.CommittedAt > cutoff {
				continue
			}
			if entry.Change.Seq > 0 && entry.Change.Seq <= frontier.Get(entry.Change.Origin) {
				drops = append(drops, append([]byte(nil), k...))
			}
		}
		for _, k := range drops {
			if err := b.Delete(k); err != nil {
				return err
			}
			trimmed++
		}
		return nil
	})
	return trimmed, err
}

// ChangelogDepth reports how many committed changes are retained.
func (s *Store) ChangelogDepth() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(changelogBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// Ordinal frontiers

// ordinalFrontier tracks the highest gap-free change ordinal committed from
// one origin, plus any ordinals committed past a hole. Only the gap-free
// frontier is advertised to peers; anything above it is simply re-sent and
// skipped as already applied.
type ordinalFrontier struct {
	Frontier uint64   `json:"frontier"`
	Above    []uint64 `json:"above,omitempty"`
}

func (f *ordinalFrontier) mark(seq uint64) {
	if seq <= f.Frontier {
		return
	}
	if seq > f.Frontier+1 {
		i := sort.Search(len(f.Above), func(i int) bool { return f.Above[i] >= seq })
		if i < len(f.Above) && f.Above[i] == seq {
			return
		}
		f.Above = append(f.Above, 0)
		copy(f.Above[i+1:], f.Above[i:])
		f.Above[i] = seq
		return
	}
	f.Frontier = seq
	for len(f.Above) > 0 && f.Above[0] <= f.Frontier+1 {
		if f.Above[0] == f.Frontier+1 {
			f.Frontier = f.Above[0]
		}
		f.Above = f.Above[1:]
	}
	if len(f.Above) == 0 {
		f.Above = nil
	}
}

func markFrontier(tx *bolt.Tx, origin string, seq uint64) error {
	b := tx.Bucket(frontierBucket)
	var f ordinalFrontier
	if data := b.Get([]byte(origin)); data != nil {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode frontier for %s: %w", origin, err)
		}
	}
	f.mark(seq)
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.Put([]byte(origin), data)
}

// CommittedFrontier returns the gap-free change ordinal committed from every
// known origin. This is the watermark advertised to peers.
func (s *Store) CommittedFrontier() (vclock.VectorClock, error) {
	wm := vclock.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(frontierBucket).ForEach(func(k, v []byte) error {
			var f ordinalFrontier
			if err := json.Unmarshal(v, &f); err != nil {
				s.logger.Warn("skipping corrupt frontier entry", "origin", string(k), "error", err)
				return nil
			}
			if f.Frontier > 0 {
				wm[string(k)] = f.Frontier
			}
			return nil
		})
	})
	return wm, err
}

// Peer watermarks

// SetPeerWatermark records the highest per-origin ordinals a peer has
// acknowledged committing. Only ordinals explicitly acked advance it.
func (s *Store) SetPeerWatermark(peer string, wm vclock.VectorClock) error {
	data := wm.Bytes()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarkBucket).Put([]byte(peer), data)
	})
}

// PeerWatermark returns the last stored watermark for a peer, empty when the
// peer has never completed a round.
func (s *Store) PeerWatermark(peer string) (vclock.VectorClock, error) {
	wm := vclock.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(watermarkBucket).Get([]byte(peer))
		if data == nil {
			return nil
		}
		parsed, err := vclock.Parse(data)
		if err != nil {
			return fmt.Errorf("decode watermark for %s: %w", peer, err)
		}
		wm = parsed
		return nil
	})
	return wm, err
}

// PeerWatermarks returns every stored peer watermark.
func (s *Store) PeerWatermarks() (map[string]vclock.VectorClock, error) {
	out := make(map[string]vclock.VectorClock)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarkBucket).ForEach(func(k, v []byte) error {
			wm, err := vclock.Parse(v)
			if err != nil {
				s.logger.Warn("skipping corrupt watermark", "peer", string(k), "error", err)
				return nil
			}
			out[string(k)] = wm
			return nil
		})
	})
	return out, err
}

// Stats

// Stats summarizes store contents for the operational endpoints.
type Stats struct {
	NodeID     string `json:"node_id"`
	Records    int    `json:"records"`
	Changelog  int    `json:"changelog"`
	Pending    int    `json:"pending"`
	OpenReview int    `json:"open_review"`
	Devices    int    `json:"devices"`
}

func (s *Store) CollectStats() (Stats, error) {
	st := Stats{NodeID: s.nodeID}
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Records = tx.Bucket(recordsBucket).Stats().KeyN
		st.Changelog = tx.Bucket(changelogBucket).Stats().KeyN
		st.Pending = tx.Bucket(pendingBucket).Stats().KeyN
		st.Devices = tx.Bucket(devicesBucket).Stats().KeyN
		return tx.Bucket(reviewBucket).ForEach(func(_, v []byte) error {
			var entry ReviewEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.ResolvedAt == 0 {
				st.OpenReview++
			}
			return nil
		})
	})
	return st, err
}

func nextOwnSeq(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket(metaBucket)
	var seq uint64
	if data := meta.Get(metaOwnSeq); data != nil {
		seq = binary.BigEndian.Uint64(data)
	}
	seq++
	return seq, meta.Put(metaOwnSeq, u64Key(seq))
}

func u64Key(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}
