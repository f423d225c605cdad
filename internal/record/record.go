package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/caretrack/wardsync/internal/vclock"
)

// Record types synchronized by the platform.
const (
	TypeTask     = "task"
	TypeHandover = "handover"
)

// Reserved field names.
const (
	StatusField    = "status"
	TombstoneField = "_tombstone"
)

// KnownType reports whether t is a record type this build synchronizes.
func KnownType(t string) bool {
	return t == TypeTask || t == TypeHandover
}

// Kind tags the payload slot of a FieldValue.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBool    Kind = "bool"
	KindTime    Kind = "time"
	KindEnum    Kind = "enum"
	KindRefList Kind = "ref_list"
)

// KnownKind reports whether k is a kind this build can merge. Payloads from
// newer peers may carry kinds we do not recognize yet; those are preserved
// through codec round trips and routed to manual review on conflict.
func KnownKind(k Kind) bool {
	switch k {
	case KindString, KindNumber, KindBool, KindTime, KindEnum, KindRefList:
		return true
	}
	return false
}

// Stamp is the per-field last-writer mark. Weight is the counter sum of the
// stamping clock, which strictly increases along causal chains, so comparing
// by Weight never prefers a causally older write. WallNanos is a tie-break
// hint only; Node is the final deterministic tie-break.
type Stamp struct {
	Weight    uint64 `json:"weight"`
	WallNanos int64  `json:"wall_nanos"`
	Node      string `json:"node"`
}

// Newer reports whether s wins over other in the last-writer total order:
// Weight, then WallNanos, then Node lexicographically.
func (s Stamp) Newer(other Stamp) bool {
	if s.Weight != other.Weight {
		return s.Weight > other.Weight
	}
	if s.WallNanos != other.WallNanos {
		return s.WallNanos > other.WallNanos
	}
	return s.Node > other.Node
}

// RefEntry is one element of a reference-list field. Removal is an explicit
// tombstone marker, never absence: a concurrent peer cannot distinguish a
// silently dropped id from one that was never added.
type RefEntry struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed,omitempty"`
	Stamp   Stamp  `json:"stamp"`
}

// FieldValue is a closed tagged union over the field types the merge policy
// understands. Exactly one payload slot is meaningful for a given Kind.
type FieldValue struct {
	Kind Kind       `json:"kind"`
	Str  string     `json:"str,omitempty"`
	Num  float64    `json:"num,omitempty"`
	Bool bool       `json:"bool,omitempty"`
	Time int64      `json:"time,omitempty"` // unix nanos
	Refs []RefEntry `json:"refs,omitempty"`
}

// Field pairs a value with the stamp of the change that last wrote it.
type Field struct {
	Value FieldValue `json:"value"`
	Stamp Stamp      `json:"stamp"`
}

// String builds a string field value.
func String(v string) FieldValue {
	return FieldValue{Kind: KindString, Str: v}
}

// Number builds a numeric field value.
func Number(v float64) FieldValue {
	return FieldValue{Kind: KindNumber, Num: v}
}

// Bool builds a boolean field value.
func Bool(v bool) FieldValue {
	return FieldValue{Kind: KindBool, Bool: v}
}

// Time builds a timestamp field value.
func Time(t time.Time) FieldValue {
	return FieldValue{Kind: KindTime, Time: t.UnixNano()}
}

// Enum builds an enum field value.
func Enum(v string) FieldValue {
	return FieldValue{Kind: KindEnum, Str: v}
}

// RefAdd builds a reference-list delta asserting the given ids as present.
func RefAdd(ids ...string) FieldValue {
	entries := make([]RefEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, RefEntry{ID: id})
	}
	return FieldValue{Kind: KindRefList, Refs: SortRefs(entries)}
}

// RefRemove builds a reference-list delta marking the given ids as removed.
func RefRemove(ids ...string) FieldValue {
	entries := make([]RefEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, RefEntry{ID: id, Removed: true})
	}
	return FieldValue{Kind: KindRefList, Refs: SortRefs(entries)}
}

// Tombstone builds the record-level deletion delta. A false value is a
// restore: it must carry a fresher stamp to win over the deletion.
func Tombstone(deleted bool) FieldValue {
	return FieldValue{Kind: KindBool, Bool: deleted}
}

// SortRefs returns entries sorted by ID so equal sets serialize identically.
func SortRefs(entries []RefEntry) []RefEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// LiveRefs returns the ids of entries not marked removed, sorted.
func LiveRefs(v FieldValue) []string {
	var ids []string
	for _, e := range v.Refs {
		if !e.Removed {
			ids = append(ids, e.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordVersion is the materialized state stored per node for a record.
// It is replaced atomically on each commit, never mutated in place.
type RecordVersion struct {
	RecordID   string             `json:"record_id"`
	RecordType string             `json:"record_type"`
	Fields     map[string]Field   `json:"fields"`
	Clock      vclock.VectorClock `json:"clock"`
}

// Clone returns a deep copy of the version.
func (rv RecordVersion) Clone() RecordVersion {
	fields := make(map[string]Field, len(rv.Fields))
	for name, f := range rv.Fields {
		if len(f.Value.Refs) > 0 {
			refs := make([]RefEntry, len(f.Value.Refs))
			copy(refs, f.Value.Refs)
			f.Value.Refs = refs
		}
		fields[name] = f
	}
	return RecordVersion{
		RecordID:   rv.RecordID,
		RecordType: rv.RecordType,
		Fields:     fields,
		Clock:      rv.Clock.Clone(),
	}
}

// Tombstoned reports whether the version carries a live deletion marker.
func (rv RecordVersion) Tombstoned() bool {
	f, ok := rv.Fields[TombstoneField]
	return ok && f.Value.Kind == KindBool && f.Value.Bool
}

// Status returns the record's status value, or "" if none is set.
func (rv RecordVersion) Status() string {
	f, ok := rv.Fields[StatusField]
	if !ok {
		return ""
	}
	return f.Value.Str
}

// Fingerprint returns canonical bytes for the version. Two replicas have
// converged on a record exactly when their fingerprints are equal: JSON map
// keys serialize sorted and ref lists are kept sorted by ID.
func (rv RecordVersion) Fingerprint() []byte {
	data, _ := json.Marshal(rv)
	return data
}

// Change is a field-level delta stamped by its origin's clock. Seq is the
// origin's change ordinal across all records, used for watermark bookkeeping;
// the per-record causal position lives in the clocks.
type Change struct {
	RecordID       string             `json:"record_id"`
	RecordType     string             `json:"record_type"`
	Origin         string             `json:"origin"`
	Seq            uint64             `json:"seq"`
	BaseClock      vclock.VectorClock `json:"base_clock"`
	ResultingClock vclock.VectorClock `json:"resulting_clock"`
	Deltas         map[string]Field   `json:"deltas"`
	StampedNanos   int64              `json:"stamped_nanos"`
}

// Validate checks the structural invariants every change must satisfy before
// it is applied: non-empty identity and a resulting clock that advances the
// base clock by exactly one at the origin position and nowhere else.
func (c Change) Validate() error {
	if c.RecordID == "" {
		return fmt.Errorf("change missing record id")
	}
	if c.RecordType == "" {
		return fmt.Errorf("change missing record type")
	}
	if c.Origin == "" {
		return fmt.Errorf("change missing origin node")
	}
	if len(c.Deltas) == 0 {
		return fmt.Errorf("change carries no field deltas")
	}
	if c.ResultingClock.Get(c.Origin) != c.BaseClock.Get(c.Origin)+1 {
		return fmt.Errorf("resulting clock does not advance origin %s by one", c.Origin)
	}
	for node, counter := range c.ResultingClock {
		if node == c.Origin {
			continue
		}
		if counter != c.BaseClock.Get(node) {
			return fmt.Errorf("resulting clock moved non-origin entry %s", node)
		}
	}
	for node, counter := range c.BaseClock {
		if node == c.Origin {
			continue
		}
		if c.ResultingClock.Get(node) != counter {
			return fmt.Errorf("resulting clock dropped entry %s", node)
		}
	}
	return nil
}

// StatusRank maps a task/handover status to its position in the fixed merge
// order. Forward progress is authoritative: when two concurrent edits disagree
// on status, the higher-ranked one wins regardless of wall time. Unknown
// values rank below created so a corrupt status never beats real progress.
func StatusRank(status string) int {
	switch status {
	case "created":
		return 0
	case "in_progress":
		return 1
	case "blocked":
		return 2
	case "completed":
		return 3
	case "verified":
		return 4
	default:
		return -1
	}
}

// Statuses returns the fixed status order, lowest first.
func Statuses() []string {
	return []string{"created", "in_progress", "blocked", "completed", "verified"}
}

// ValidStatus reports whether s is one of the fixed status values.
func ValidStatus(s string) bool {
	return StatusRank(s) >= 0
}
