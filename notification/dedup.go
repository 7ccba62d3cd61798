package notification

import (
	"sort"
)

// IsDuplicate reports whether a and b describe the same delivery: same id, or
// same title and body with timestamps less than DuplicateWindow apart.
func IsDuplicate(a, b Record) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.Title != b.Title || a.Body != b.Body {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d < DuplicateWindow
}

// Contains reports whether any record in list is a duplicate of r.
func Contains(list []Record, r Record) bool {
	for _, existing := range list {
		if IsDuplicate(existing, r) {
			return true
		}
	}
	return false
}

// Dedupe returns the records with duplicates removed, keeping the first
// occurrence. Input order is preserved.
func Dedupe(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortNewestFirst orders records by timestamp descending. The sort is stable
// so that records with equal timestamps keep their relative order.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
