package workflow

import (
	"sort"

	"github.com/lis/lis/pkg/lisapi"
)

// SortHistory returns a copy of records ordered by RejectedAt, oldest first.
// Records whose timestamp cannot be parsed sort before all others and keep
// their relative input order.
func SortHistory(records []lisapi.RejectionHistoryRecord) []lisapi.RejectionHistoryRecord {
	out := make([]lisapi.RejectionHistoryRecord, len(records))
	copy(out, records)

	type key struct {
		ok   bool
		unix int64
	}
	keys := make(map[int]key, len(out))
	idx := make([]int, len(out))
	for i, r := range out {
		idx[i] = i
		if ts, err := r.RejectedTime(); err == nil {
			keys[i] = key{ok: true, unix: ts.UnixNano()}
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.ok != kb.ok {
			return !ka.ok
		}
		return ka.unix < kb.unix
	})

	sorted := make([]lisapi.RejectionHistoryRecord, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

// HistoryEntry is a record positioned in a HistoryView.
type HistoryEntry struct {
	lisapi.RejectionHistoryRecord
	Index  int
	Latest bool
}

// HistoryView pages through a rejection history in chronological order. The
// last entry is the latest and is selected by default.
type HistoryView struct {
	entries []HistoryEntry
	active  int
}

// NewHistoryView sorts records and selects the latest one.
func NewHistoryView(records []lisapi.RejectionHistoryRecord) *HistoryView {
	sorted := SortHistory(records)
	v := &HistoryView{entries: make([]HistoryEntry, len(sorted))}
	for i, r := range sorted {
		v.entries[i] = HistoryEntry{RejectionHistoryRecord: r, Index: i, Latest: i == len(sorted)-1}
	}
	v.active = len(sorted) - 1
	return v
}

// Len returns the number of entries.
func (v *HistoryView) Len() int { return len(v.entries) }

// Entries returns the entries oldest first.
func (v *HistoryView) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Latest returns the most recent entry, or false for an empty history.
func (v *HistoryView) Latest() (HistoryEntry, bool) {
	if len(v.entries) == 0 {
		return HistoryEntry{}, false
	}
	return v.entries[len(v.entries)-1], true
}

// Active returns the selected entry, or false for an empty history.
func (v *HistoryView) Active() (HistoryEntry, bool) {
	if v.active < 0 || v.active >= len(v.entries) {
		return HistoryEntry{}, false
	}
	return v.entries[v.active], true
}

// Select moves the selection to index i. Out-of-range indexes are ignored.
func (v *HistoryView) Select(i int) bool {
	if i < 0 || i >= len(v.entries) {
		return false
	}
	v.active = i
	return true
}

// Previous selects the next older entry.
func (v *HistoryView) Previous() bool { return v.Select(v.active - 1) }

// Next selects the next newer entry.
func (v *HistoryView) Next() bool { return v.Select(v.active + 1) }
