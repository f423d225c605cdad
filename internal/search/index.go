package search

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
	"github.com/caretrack/wardsync/internal/record"
)

// Result represents one record on a ward board or in search output.
type Result struct {
	RecordType string   `json:"record_type"`
	RecordID   string   `json:"record_id"`
	Title      string   `json:"title,omitempty"`
	Status     string   `json:"status,omitempty"`
	Assignees  []string `json:"assignees,omitempty"`
	UpdatedAt  int64    `json:"updated_at,omitempty"` // unix nanos of newest field stamp
}

// entry is an internal index entry.
type entry struct {
	version record.RecordVersion
	result  Result
	// searchable text: lowercased concatenation of string fields, status,
	// refs, and the date of the last edit
	text string
}

// Index provides in-memory board listings and text search over committed
// record versions. It is rebuilt from the store at startup and kept fresh
// by the commit feed.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry // key: "type/id"
	store   *causal.Store
}

// NewIndex creates a new index over the store.
func NewIndex(store *causal.Store) *Index {
	return &Index{
		entries: make(map[string]*entry),
		store:   store,
	}
}

// Build populates the index by scanning all committed versions.
func (idx *Index) Build() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = make(map[string]*entry)
	for _, recordType := range []string{record.TypeTask, record.TypeHandover} {
		err := idx.store.ScanVersions(recordType, func(v record.RecordVersion) bool {
			if v.Tombstoned() {
				return true
			}
			idx.entries[recordType+"/"+v.RecordID] = newEntry(v)
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the index to the store's commit feed so every commit,
// local or synced, updates the board immediately.
func (idx *Index) Attach(store *causal.Store) {
	store.OnCommit(func(ev causal.Event) {
		idx.Update(ev.Version)
	})
}

// Update adds or refreshes one version. Tombstoned versions drop out of
// the index; the record itself stays in the store.
func (idx *Index) Update(v record.RecordVersion) {
	key := v.RecordType + "/" + v.RecordID

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if v.Tombstoned() {
		delete(idx.entries, key)
		return
	}
	idx.entries[key] = newEntry(v)
}

// Remove deletes an entry from the index.
func (idx *Index) Remove(recordType, recordID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, recordType+"/"+recordID)
}

// Search finds records matching the query string.
// Supports: plain text (substring match over titles, notes, refs),
// "status:blocked" for status filtering, "assignee:nurse-7" for assignment
// filtering, "ref:patient-12" to match any live reference.
func (idx *Index) Search(query, recordType string, limit int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var statusFilter, assigneeFilter, refFilter string
	var textTerms []string

	for _, part := range strings.Fields(query) {
		lower := strings.ToLower(part)
		switch {
		case strings.HasPrefix(lower, "status:"):
			statusFilter = strings.TrimPrefix(lower, "status:")
		case strings.HasPrefix(lower, "assignee:"):
			assigneeFilter = strings.TrimPrefix(lower, "assignee:")
		case strings.HasPrefix(lower, "ref:"):
			refFilter = strings.TrimPrefix(lower, "ref:")
		default:
			textTerms = append(textTerms, lower)
		}
	}

	var results []Result
	for _, e := range idx.entries {
		if recordType != "" && e.result.RecordType != recordType {
			continue
		}
		if statusFilter != "" && !strings.EqualFold(e.result.Status, statusFilter) {
			continue
		}
		if assigneeFilter != "" && !containsFold(e.result.Assignees, assigneeFilter) {
			continue
		}
		if refFilter != "" && !hasLiveRef(e.version, refFilter) {
			continue
		}

		// All text terms must match
		matched := true
		for _, term := range textTerms {
			if !strings.Contains(e.text, term) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}

		results = append(results, e.result)
		if len(results) >= limit {
			break
		}
	}

	sortResults(results)
	return results
}

// Board returns the work queue for one record type and status, newest
// edits first. An empty status returns the whole board.
func (idx *Index) Board(recordType, status string) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var results []Result
	for _, e := range idx.entries {
		if e.result.RecordType != recordType {
			continue
		}
		if status != "" && e.result.Status != status {
			continue
		}
		results = append(results, e.result)
	}
	sortResults(results)
	return results
}

// ByAssignee returns everything currently assigned to one staff member.
func (idx *Index) ByAssignee(assignee string) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var results []Result
	for _, e := range idx.entries {
		if containsFold(e.result.Assignees, assignee) {
			results = append(results, e.result)
		}
	}
	sortResults(results)
	return results
}

// Count returns the number of indexed entries.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func newEntry(v record.RecordVersion) *entry {
	res := Result{
		RecordType: v.RecordType,
		RecordID:   v.RecordID,
		Status:     v.Status(),
	}
	if f, ok := v.Fields["title"]; ok && f.Value.Kind == record.KindString {
		res.Title = f.Value.Str
	} else if f, ok := v.Fields["summary"]; ok && f.Value.Kind == record.KindString {
		res.Title = f.Value.Str
	}
	if f, ok := v.Fields["assignees"]; ok && f.Value.Kind == record.KindRefList {
		res.Assignees = record.LiveRefs(f.Value)
	}
	for _, f := range v.Fields {
		if f.Stamp.WallNanos > res.UpdatedAt {
			res.UpdatedAt = f.Stamp.WallNanos
		}
	}
	return &entry{
		version: v.Clone(),
		result:  res,
		text:    buildSearchText(v, res),
	}
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt != results[j].UpdatedAt {
			return results[i].UpdatedAt > results[j].UpdatedAt
		}
		return results[i].RecordID < results[j].RecordID
	})
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func hasLiveRef(v record.RecordVersion, id string) bool {
	for _, f := range v.Fields {
		if f.Value.Kind != record.KindRefList {
			continue
		}
		for _, ref := range record.LiveRefs(f.Value) {
			if strings.EqualFold(ref, id) {
				return true
			}
		}
	}
	return false
}

func buildSearchText(v record.RecordVersion, res Result) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(v.RecordType))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(v.RecordID))
	for name, f := range v.Fields {
		if name == record.TombstoneField {
			continue
		}
		switch f.Value.Kind {
		case record.KindString, record.KindEnum:
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(f.Value.Str))
		case record.KindRefList:
			for _, ref := range record.LiveRefs(f.Value) {
				b.WriteByte(' ')
				b.WriteString(strings.ToLower(ref))
			}
		}
	}
	if res.UpdatedAt > 0 {
		b.WriteByte(' ')
		b.WriteString(time.Unix(0, res.UpdatedAt).Format("2006-01-02"))
	}
	return b.String()
}
