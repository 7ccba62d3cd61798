// Package notification defines the notification record shared by every
// delivery path and store, the push payload consumed from the messaging
// service, and the duplicate-detection rule used during reconciliation.
package notification

import (
	"strconv"
	"time"
)

// DefaultTitle is used by the foreground path when a payload carries no title.
const DefaultTitle = "New Notification"

// DuplicateWindow is the maximum timestamp distance for two records with the
// same title and body to be considered the same delivery.
const DuplicateWindow = 60 * time.Second

// Record is a single notification as held by the durable store, the fast
// cache and the reconciled foreground view.
type Record struct {
	ID        string
	Title     string
	Body      string
	Image     string
	Timestamp time.Time
	Read      bool
	Data      map[string]any
}

// URL returns the routing hint carried in the record data, or "" if absent.
func (r Record) URL() string {
	return URLFromData(r.Data)
}

// URLFromData extracts the "url" routing hint from push data.
func URLFromData(data map[string]any) string {
	if data == nil {
		return ""
	}
	s, _ := data["url"].(string)
	return s
}

// Clone returns a copy of r whose Data map is not shared with the original.
func (r Record) Clone() Record {
	if r.Data != nil {
		data := make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			data[k] = v
		}
		r.Data = data
	}
	return r
}

// IDAt derives a record id from an arrival time. Both delivery paths use the
// same derivation so a push observed twice in the same millisecond collapses
// on id alone.
func IDAt(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// UnreadCount counts records with Read=false.
func UnreadCount(records []Record) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}
