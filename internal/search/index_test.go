package search

import (
	"testing"

	"github.com/caretrack/wardsync/internal/record"
)

func version(recordType, id string, fields map[string]record.Field) record.RecordVersion {
	return record.RecordVersion{
		RecordID:   id,
		RecordType: recordType,
		Fields:     fields,
	}
}

func field(v record.FieldValue, nanos int64) record.Field {
	return record.Field{Value: v, Stamp: record.Stamp{Weight: uint64(nanos), WallNanos: nanos, Node: "n"}}
}

func TestIndex_UpdateAndSearch(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		"title":            field(record.String("Administer morning meds"), 100),
		record.StatusField: field(record.Enum("created"), 100),
	}))

	results := idx.Search("morning", "", 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].RecordID != "t1" {
		t.Errorf("expected t1, got %s", results[0].RecordID)
	}
	if results[0].Title != "Administer morning meds" {
		t.Errorf("title: %q", results[0].Title)
	}
}

func TestIndex_SearchByStatus(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		record.StatusField: field(record.Enum("blocked"), 100),
	}))
	idx.Update(version(record.TypeTask, "t2", map[string]record.Field{
		record.StatusField: field(record.Enum("created"), 100),
	}))

	results := idx.Search("status:blocked", "", 10)
	if len(results) != 1 || results[0].RecordID != "t1" {
		t.Errorf("expected t1 for status:blocked, got %v", results)
	}
}

func TestIndex_SearchByAssignee(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		"assignees": field(record.FieldValue{
			Kind: record.KindRefList,
			Refs: []record.RefEntry{{ID: "nurse-7"}},
		}, 100),
	}))
	idx.Update(version(record.TypeTask, "t2", map[string]record.Field{
		"assignees": field(record.FieldValue{
			Kind: record.KindRefList,
			Refs: []record.RefEntry{{ID: "nurse-9"}},
		}, 100),
	}))

	results := idx.Search("assignee:nurse-7", "", 10)
	if len(results) != 1 || results[0].RecordID != "t1" {
		t.Errorf("expected t1 for assignee:nurse-7, got %v", results)
	}

	byAssignee := idx.ByAssignee("nurse-9")
	if len(byAssignee) != 1 || byAssignee[0].RecordID != "t2" {
		t.Errorf("ByAssignee: got %v", byAssignee)
	}
}

func TestIndex_SearchByRef(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeHandover, "h1", map[string]record.Field{
		"patients": field(record.FieldValue{
			Kind: record.KindRefList,
			Refs: []record.RefEntry{{ID: "patient-12"}, {ID: "patient-9", Removed: true}},
		}, 100),
	}))

	if results := idx.Search("ref:patient-12", "", 10); len(results) != 1 {
		t.Errorf("live ref should match, got %v", results)
	}
	if results := idx.Search("ref:patient-9", "", 10); len(results) != 0 {
		t.Errorf("removed ref should not match, got %v", results)
	}
}

func TestIndex_TombstoneDropsEntry(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		"title": field(record.String("old task"), 100),
	}))
	if idx.Count() != 1 {
		t.Fatalf("count: %d", idx.Count())
	}

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		"title":               field(record.String("old task"), 100),
		record.TombstoneField: field(record.Tombstone(true), 200),
	}))
	if idx.Count() != 0 {
		t.Fatalf("tombstoned record should drop out, count: %d", idx.Count())
	}
}

func TestIndex_BoardOrdering(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "t1", map[string]record.Field{
		record.StatusField: field(record.Enum("created"), 100),
	}))
	idx.Update(version(record.TypeTask, "t2", map[string]record.Field{
		record.StatusField: field(record.Enum("created"), 300),
	}))
	idx.Update(version(record.TypeTask, "t3", map[string]record.Field{
		record.StatusField: field(record.Enum("in_progress"), 200),
	}))

	board := idx.Board(record.TypeTask, "")
	if len(board) != 3 {
		t.Fatalf("board size: %d", len(board))
	}
	// Newest first
	if board[0].RecordID != "t2" || board[1].RecordID != "t3" || board[2].RecordID != "t1" {
		t.Errorf("board order: %v, %v, %v", board[0].RecordID, board[1].RecordID, board[2].RecordID)
	}

	created := idx.Board(record.TypeTask, "created")
	if len(created) != 2 {
		t.Errorf("created board size: %d", len(created))
	}
}

func TestIndex_TypeScoping(t *testing.T) {
	idx := NewIndex(nil)

	idx.Update(version(record.TypeTask, "x1", map[string]record.Field{
		"title": field(record.String("shared term"), 100),
	}))
	idx.Update(version(record.TypeHandover, "x2", map[string]record.Field{
		"summary": field(record.String("shared term"), 100),
	}))

	if results := idx.Search("shared", record.TypeTask, 10); len(results) != 1 || results[0].RecordID != "x1" {
		t.Errorf("task scope: %v", results)
	}
	if results := idx.Search("shared", "", 10); len(results) != 2 {
		t.Errorf("unscoped: %v", results)
	}
}
