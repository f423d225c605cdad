// Package merge reconciles divergent replicas of a record without a central
// arbiter. Every branch is built from commutative, associative, idempotent
// primitives (max over a total order, set union, boolean and), so repeated
// pairwise merging converges to the same version on every node regardless of
// delivery order.
package merge

import (
	"sort"

	"github.com/caretrack/wardsync/internal/record"
)

// OperationType names the rule that produced a merged value.
type OperationType string

const (
	OpLastWriterWins    OperationType = "last_writer_wins"
	OpFieldWiseMerge    OperationType = "field_wise_merge"
	OpSetUnion          OperationType = "set_union"
	OpSemanticTaskMerge OperationType = "semantic_task_merge"
)

// ResolutionKind distinguishes merges that are safe to commit silently from
// those that must additionally be surfaced to a human review queue.
type ResolutionKind string

const (
	AutoMerged           ResolutionKind = "auto_merged"
	ManualReviewRequired ResolutionKind = "manual_review_required"
)

// Resolution describes the outcome of reconciling two concurrent versions.
// Version is always populated and safe to commit: even when Kind is
// ManualReviewRequired the resolver has applied a deterministic mechanical
// merge so replicas still converge while a human sorts out the flagged fields.
type Resolution struct {
	Kind         ResolutionKind
	Version      record.RecordVersion
	Op           OperationType
	FieldOps     map[string]OperationType
	ReviewFields []string
}

// NewVersion materializes the first version of a record from its initial
// change. The tombstone marker is normalized the same way commits are.
func NewVersion(ch record.Change) record.RecordVersion {
	rv := record.RecordVersion{
		RecordID:   ch.RecordID,
		RecordType: ch.RecordType,
		Fields:     make(map[string]record.Field, len(ch.Deltas)),
		Clock:      ch.ResultingClock.Clone(),
	}
	for name, f := range ch.Deltas {
		rv.Fields[name] = cloneField(f)
	}
	normalizeTombstone(rv.Fields)
	return rv
}

// ApplyChange applies a causally newer change on top of the current version:
// the change's base already reflects everything current contains, so scalar
// deltas overwrite outright. Reference lists still union entry-wise because a
// delta asserts individual entries, never the whole set. A false tombstone
// delta removes the marker, which is how a deletion is reverted.
func ApplyChange(current record.RecordVersion, ch record.Change) record.RecordVersion {
	next := current.Clone()
	for name, delta := range ch.Deltas {
		existing, ok := next.Fields[name]
		if ok && delta.Value.Kind == record.KindRefList && existing.Value.Kind == record.KindRefList {
			next.Fields[name] = unionRefs(existing, delta)
			continue
		}
		next.Fields[name] = cloneField(delta)
	}
	normalizeTombstone(next.Fields)
	next.Clock = next.Clock.Merge(ch.ResultingClock)
	return next
}

// MergeChange reconciles a concurrent change against the current version. The
// change's untouched fields are already reflected in current (its base clock
// is dominated by the committed clock), so only the deltas participate.
func MergeChange(current record.RecordVersion, ch record.Change) Resolution {
	remote := record.RecordVersion{
		RecordID:   ch.RecordID,
		RecordType: ch.RecordType,
		Fields:     ch.Deltas,
		Clock:      ch.ResultingClock,
	}
	return Merge(current, remote)
}

// Merge reconciles two versions of the same record field-wise, per field type:
// scalars and timestamps resolve by last-writer stamp, the status enum by the
// fixed progress order, reference lists by entry union, and the record
// tombstone survives only when both sides deleted. Inputs must be normalized
// versions as produced by this package; both argument orders and any grouping
// of repeated merges yield byte-identical output.
func Merge(a, b record.RecordVersion) Resolution {
	res := Resolution{
		Kind:     AutoMerged,
		FieldOps: make(map[string]OperationType),
	}
	merged := record.RecordVersion{
		RecordID:   a.RecordID,
		RecordType: a.RecordType,
		Fields:     make(map[string]record.Field, len(a.Fields)+len(b.Fields)),
		Clock:      a.Clock.Merge(b.Clock),
	}

	// Deletion agrees only when both sides carry the marker; a one-sided
	// tombstone loses to the concurrent edit so data never vanishes behind
	// someone's back.
	ta, aHas := a.Fields[record.TombstoneField]
	tb, bHas := b.Fields[record.TombstoneField]
	if tombstoned(a) && tombstoned(b) {
		merged.Fields[record.TombstoneField] = newerField(ta, tb)
		res.FieldOps[record.TombstoneField] = OpSemanticTaskMerge
	} else if aHas || bHas {
		res.FieldOps[record.TombstoneField] = OpSemanticTaskMerge
	}

	for name, fa := range a.Fields {
		if name == record.TombstoneField {
			continue
		}
		fb, ok := b.Fields[name]
		if !ok {
			merged.Fields[name] = cloneField(fa)
			continue
		}
		field, op, review := mergeField(a.RecordType, name, fa, fb)
		merged.Fields[name] = field
		res.FieldOps[name] = op
		if review {
			res.ReviewFields = append(res.ReviewFields, name)
		}
	}
	for name, fb := range b.Fields {
		if name == record.TombstoneField {
			continue
		}
		if _, ok := a.Fields[name]; !ok {
			merged.Fields[name] = cloneField(fb)
		}
	}

	if len(res.ReviewFields) > 0 {
		sort.Strings(res.ReviewFields)
		res.Kind = ManualReviewRequired
	}
	res.Version = merged
	res.Op = rationale(res.FieldOps)
	return res
}

func mergeField(recordType, name string, a, b record.Field) (record.Field, OperationType, bool) {
	av, bv := a.Value, b.Value

	if name == record.StatusField && record.KnownType(recordType) &&
		av.Kind == record.KindEnum && bv.Kind == record.KindEnum {
		return statusMerge(a, b), OpSemanticTaskMerge, false
	}

	if av.Kind == record.KindRefList && bv.Kind == record.KindRefList {
		return unionRefs(a, b), OpSetUnion, false
	}

	// Kinds this build cannot interpret, or sides that disagree on the kind,
	// are merged mechanically by stamp so replicas still converge, and the
	// field is flagged for manual review.
	if !record.KnownKind(av.Kind) || !record.KnownKind(bv.Kind) || av.Kind != bv.Kind {
		return newerField(a, b), OpLastWriterWins, true
	}

	return newerField(a, b), OpLastWriterWins, false
}

// statusMerge picks the further-progressed status regardless of stamps;
// forward progress is authoritative for ward staff. Equal ranks fall back to
// the last-writer stamp.
func statusMerge(a, b record.Field) record.Field {
	ra, rb := record.StatusRank(a.Value.Str), record.StatusRank(b.Value.Str)
	if ra > rb {
		return cloneField(a)
	}
	if rb > ra {
		return cloneField(b)
	}
	return newerField(a, b)
}

// unionRefs merges two reference-list fields keyed by entry id, keeping the
// newer-stamped entry when both sides carry the same id. Removal markers ride
// along in the entries, so a concurrent add and remove of the same id resolve
// by stamp like any other pair of writes.
func unionRefs(a, b record.Field) record.Field {
	byID := make(map[string]record.RefEntry, len(a.Value.Refs)+len(b.Value.Refs))
	for _, e := range a.Value.Refs {
		byID[e.ID] = e
	}
	for _, e := range b.Value.Refs {
		if prev, ok := byID[e.ID]; ok && !e.Stamp.Newer(prev.Stamp) {
			continue
		}
		byID[e.ID] = e
	}
	entries := make([]record.RefEntry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	out := newerField(a, b)
	out.Value.Refs = record.SortRefs(entries)
	return out
}

func newerField(a, b record.Field) record.Field {
	if a.Stamp.Newer(b.Stamp) {
		return cloneField(a)
	}
	return cloneField(b)
}

func cloneField(f record.Field) record.Field {
	if len(f.Value.Refs) > 0 {
		refs := make([]record.RefEntry, len(f.Value.Refs))
		copy(refs, f.Value.Refs)
		f.Value.Refs = refs
	}
	return f
}

func tombstoned(rv record.RecordVersion) bool {
	f, ok := rv.Fields[record.TombstoneField]
	return ok && f.Value.Kind == record.KindBool && f.Value.Bool
}

// normalizeTombstone erases a false deletion marker so stored versions carry
// the tombstone field only while the record is actually deleted. The merge
// rules depend on this: presence alone means deleted.
func normalizeTombstone(fields map[string]record.Field) {
	f, ok := fields[record.TombstoneField]
	if ok && !(f.Value.Kind == record.KindBool && f.Value.Bool) {
		delete(fields, record.TombstoneField)
	}
}

// rationale reduces per-field operations to the single descriptor reported
// for the merge: the specific rule when exactly one field was contested,
// otherwise a field-wise merge.
func rationale(fieldOps map[string]OperationType) OperationType {
	if len(fieldOps) == 1 {
		for _, op := range fieldOps {
			return op
		}
	}
	return OpFieldWiseMerge
}
